// Package version resolves the API version a request targets.
package version

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

// QueryParam is the query parameter carrying a version
const QueryParam = "version"

// Resolution is the outcome of resolving one request
type Resolution struct {
	Version  string
	Strategy string
	// Path is the request path without the version segment
	Path string
	// Rejected holds a signal that was present but invalid or unsupported
	Rejected       string
	RejectedSource string
}

// Downgraded reports whether a present signal was replaced by the default
func (r Resolution) Downgraded() bool {
	return r.Rejected != ""
}

// Resolver applies the configured strategy order. It holds no mutable state,
// so resolving the same request twice gives the same result.
type Resolver struct {
	prefix     string
	supported  map[string]struct{}
	def        string
	strategies []string
}

// NewResolver creates a resolver from the pipeline settings
func NewResolver(cfg config.PipelineConfig) *Resolver {
	r := &Resolver{
		prefix:     strings.TrimSuffix(cfg.APIPrefix, "/"),
		supported:  make(map[string]struct{}, len(cfg.SupportedVersions)),
		def:        cfg.DefaultVersion,
		strategies: cfg.VersionStrategies,
	}
	for _, v := range cfg.SupportedVersions {
		r.supported[v] = struct{}{}
	}
	if len(r.strategies) == 0 {
		r.strategies = []string{config.StrategyHeader, config.StrategyPath, config.StrategyQuery}
	}
	return r
}

// Normalize converts a raw signal into canonical "v<digits>" form
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) > 0 && (s[0] == 'v' || s[0] == 'V') {
		s = s[1:]
	}
	if s == "" {
		return "", false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return "v" + s, true
}

// Resolve picks the version for r. The first strategy whose signal is present
// decides; later strategies are not consulted even if that signal is rejected.
func (v *Resolver) Resolve(r *http.Request) Resolution {
	segment, rest, hasSegment := v.pathSegment(r.URL.Path)

	res := Resolution{Path: r.URL.Path}
	if hasSegment {
		res.Path = rest
	}

	for _, strategy := range v.strategies {
		raw, present := "", false
		switch strategy {
		case config.StrategyHeader:
			raw = strings.TrimSpace(r.Header.Get(pipeline.HeaderAPIVersion))
			present = raw != ""
		case config.StrategyPath:
			raw, present = segment, hasSegment
		case config.StrategyQuery:
			raw = strings.TrimSpace(r.URL.Query().Get(QueryParam))
			present = raw != ""
		}
		if !present {
			continue
		}

		if version, ok := Normalize(raw); ok && v.isSupported(version) {
			res.Version = version
			res.Strategy = strategy
			return res
		}
		res.Rejected = raw
		res.RejectedSource = strategy
		break
	}

	res.Version = v.def
	res.Strategy = pipeline.StrategyDefault
	return res
}

func (v *Resolver) isSupported(version string) bool {
	if len(v.supported) == 0 {
		return true
	}
	_, ok := v.supported[version]
	return ok
}

// pathSegment returns the segment following the API prefix when it looks like
// a version ("v" followed by digits), together with the path without it.
func (v *Resolver) pathSegment(path string) (segment, rest string, ok bool) {
	if v.prefix != "" {
		if !strings.HasPrefix(path, v.prefix+"/") {
			return "", path, false
		}
	}
	tail := strings.TrimPrefix(path, v.prefix+"/")
	segment, after, hasMore := strings.Cut(tail, "/")
	if _, valid := Normalize(segment); !valid || (segment[0] != 'v' && segment[0] != 'V') {
		return "", path, false
	}
	rest = v.prefix
	if hasMore {
		rest += "/" + after
	}
	if rest == "" {
		rest = "/"
	}
	return segment, rest, true
}

// Stage records the resolved version, forwards it and strips the version
// segment from the path used for routing.
type Stage struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewStage creates the version resolution stage
func NewStage(resolver *Resolver, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{resolver: resolver, logger: logger}
}

func (s *Stage) Name() string { return "version" }

func (s *Stage) Process(ctx context.Context, req *pipeline.Request, next pipeline.Handler) (*pipeline.Response, error) {
	res := s.resolver.Resolve(req.HTTP)

	if res.Downgraded() {
		s.logger.WarnContext(ctx, "unsupported api version, using default",
			"requested", res.Rejected,
			"source", res.RejectedSource,
			"version", res.Version,
		)
		metrics.RecordVersionDowngrade(res.RejectedSource)
	}
	metrics.RecordVersion(res.Version, res.Strategy)

	req.Context.SetVersion(res.Version, res.Strategy)
	req.Path = res.Path
	req.HTTP.Header.Set(pipeline.HeaderAPIVersion, req.Context.APIVersion())
	req.HTTP.Header.Set(pipeline.HeaderVersionStrategy, req.Context.VersionStrategy())

	resp, err := next.Serve(ctx, req)
	if resp != nil {
		resp.Header.Set(pipeline.HeaderAPIVersion, req.Context.APIVersion())
	}
	return resp, err
}
