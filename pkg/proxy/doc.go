// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy provides the streaming reverse proxy that forwards every
// request not answered locally to the downstream routing layer. It buffers the
// request body, rebuilds a sanitized header set, relays the upstream status,
// headers and body chunk by chunk, and turns transport failures into JSON
// error envelopes: 400 for malformed requests, 502 for everything else.
//
// The proxy performs no retries and imposes no timeout of its own; both are
// left to the downstream router so long generations are never cut short.
package proxy
