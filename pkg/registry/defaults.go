// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package registry

func meta(params, estRAM string) map[string]string {
	return map[string]string{"params": params, "est_ram": estRAM}
}

// defaultBackends is the model fleet served when no registry file is configured.
var defaultBackends = []Backend{
	{Name: "command-r", Port: 8001, Metadata: meta("35B", "19 GB")},
	{Name: "yi-1.5", Port: 8002, Metadata: meta("34B", "19 GB")},
	{Name: "mixtral", Port: 8004, Metadata: meta("8x7B", "26 GB")},
	{Name: "codestral", Port: 8005, Metadata: meta("22B", "14 GB")},
	{Name: "yi-coder", Port: 8006, Metadata: meta("34B", "19 GB")},
	{Name: "starcoder2", Port: 8007, Metadata: meta("15B", "10 GB")},
	{Name: "phi-4", Port: 8008, Metadata: meta("14B", "9 GB")},
	{Name: "qwen-2.5", Port: 8009, Metadata: meta("32B", "18 GB")},
	{Name: "smollm2-135m", Port: 8010, Metadata: meta("135M", "200 MB")},
	{Name: "qwen-0.5", Port: 8011, Metadata: meta("0.5B", "400 MB")},
	{Name: "qwen-1.5", Port: 8012, Metadata: meta("1.5B", "1 GB")},
	{Name: "llama-3.2-1b", Port: 8013, Metadata: meta("1B", "800 MB")},
	{Name: "llama-3.2-3b", Port: 8014, Metadata: meta("3B", "2 GB")},
	// vision
	{Name: "llava-1.5-7b", Port: 8015, Metadata: meta("7B", "4 GB")},
	{Name: "llava-qwen-0.5b", Port: 8016, Metadata: meta("0.5B", "300 MB")},
	// math & reasoning
	{Name: "qwq-32b", Port: 8017, Metadata: meta("32B", "17 GB")},
	{Name: "qwen-math-1.5b", Port: 8018, Metadata: meta("1.5B", "1 GB")},
	{Name: "deepseek-r1-1.5b", Port: 8019, Metadata: meta("1.5B", "1 GB")},
}

// Default returns the built-in registry.
func Default() *Registry {
	reg, err := New(defaultBackends...)
	if err != nil {
		panic("registry: invalid built-in table: " + err.Error())
	}
	return reg
}
