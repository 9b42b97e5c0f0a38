// Package language holds the frozen per-language table that all
// language-specific behaviour flows from: image selection, resource
// multipliers, pool sizing defaults, and execution-time environment
// overrides such as Go's GOPROXY=off. There is no subclassing per
// language; every behavioural difference is a lookup against this table.
package language

// Spec describes one supported execution language.
type Spec struct {
	Code              string // short code used in requests and pool keys, e.g. "py"
	Name              string
	Image             string
	SidecarImage      string
	UserID            int64
	FileExtension     string
	ExecutionCommand  string
	UsesStdin         bool
	TimeoutMultiplier float64
	MemoryMultiplier  float64
	DefaultPoolSize   int
}

// specs is the frozen table of all twelve supported languages.
var specs = []Spec{
	{Code: "py", Name: "Python", Image: "sandrunner/lang-python:3.12", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".py", ExecutionCommand: "python3", UsesStdin: false, TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0, DefaultPoolSize: 3},
	{Code: "js", Name: "JavaScript", Image: "sandrunner/lang-node:20", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".js", ExecutionCommand: "node", UsesStdin: false, TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0, DefaultPoolSize: 3},
	{Code: "ts", Name: "TypeScript", Image: "sandrunner/lang-node:20", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".ts", ExecutionCommand: "tsx", UsesStdin: false, TimeoutMultiplier: 1.2, MemoryMultiplier: 1.0, DefaultPoolSize: 2},
	{Code: "go", Name: "Go", Image: "sandrunner/lang-go:1.25", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".go", ExecutionCommand: "go run", UsesStdin: false, TimeoutMultiplier: 1.5, MemoryMultiplier: 1.2, DefaultPoolSize: 0},
	{Code: "rust", Name: "Rust", Image: "sandrunner/lang-rust:1.82", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".rs", ExecutionCommand: "rustc", UsesStdin: false, TimeoutMultiplier: 2.0, MemoryMultiplier: 1.5, DefaultPoolSize: 0},
	{Code: "java", Name: "Java", Image: "sandrunner/lang-java:21", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".java", ExecutionCommand: "java", UsesStdin: false, TimeoutMultiplier: 1.8, MemoryMultiplier: 1.8, DefaultPoolSize: 0},
	{Code: "c", Name: "C", Image: "sandrunner/lang-c:gcc13", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".c", ExecutionCommand: "gcc", UsesStdin: false, TimeoutMultiplier: 1.3, MemoryMultiplier: 1.0, DefaultPoolSize: 1},
	{Code: "cpp", Name: "C++", Image: "sandrunner/lang-cpp:gcc13", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".cpp", ExecutionCommand: "g++", UsesStdin: false, TimeoutMultiplier: 1.5, MemoryMultiplier: 1.2, DefaultPoolSize: 0},
	{Code: "ruby", Name: "Ruby", Image: "sandrunner/lang-ruby:3.3", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".rb", ExecutionCommand: "ruby", UsesStdin: false, TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0, DefaultPoolSize: 1},
	{Code: "php", Name: "PHP", Image: "sandrunner/lang-php:8.3", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".php", ExecutionCommand: "php", UsesStdin: false, TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0, DefaultPoolSize: 0},
	{Code: "bash", Name: "Bash", Image: "sandrunner/lang-bash:5", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".sh", ExecutionCommand: "bash", UsesStdin: true, TimeoutMultiplier: 1.0, MemoryMultiplier: 0.5, DefaultPoolSize: 1},
	{Code: "r", Name: "R", Image: "sandrunner/lang-r:4.4", SidecarImage: "sandrunner/sidecar:latest", UserID: 65532, FileExtension: ".R", ExecutionCommand: "Rscript", UsesStdin: false, TimeoutMultiplier: 1.2, MemoryMultiplier: 1.2, DefaultPoolSize: 0},
}

// table is built once at package init for O(1) lookup.
var table = func() map[string]Spec {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		m[s.Code] = s
	}
	return m
}()

// Lookup returns the Spec for code and whether it is supported.
func Lookup(code string) (Spec, bool) {
	s, ok := table[code]
	return s, ok
}

// All returns every supported language spec, in a stable order.
func All() []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	return out
}

// Codes returns every supported language code, in a stable order.
func Codes() []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Code
	}
	return out
}

// GoProxyOverrides returns the environment overrides applied to
// network-isolated pods for a given language so that builds don't stall
// waiting for DNS against an unreachable proxy/sumdb.
func GoProxyOverrides(code string) map[string]string {
	if code != "go" {
		return nil
	}
	return map[string]string{
		"GOPROXY": "off",
		"GOSUMDB": "off",
	}
}
