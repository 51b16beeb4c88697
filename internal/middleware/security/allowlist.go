package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/mcncl/edge-pipeline/internal/metrics"
)

// AllowList restricts a handler to clients whose address falls in one of a
// fixed set of networks. Only the connection's remote address is used;
// forwarding headers are client controlled and ignored.
type AllowList struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// NewAllowList parses entries as CIDRs or single addresses. An empty list
// allows loopback only.
func NewAllowList(entries []string, logger *slog.Logger) (*AllowList, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(entries) == 0 {
		entries = []string{"127.0.0.0/8", "::1/128"}
	}

	wl := &AllowList{logger: logger}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("parsing allow list entry %q: %w", e, err)
			}
			wl.prefixes = append(wl.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("parsing allow list entry %q: %w", e, err)
		}
		wl.prefixes = append(wl.prefixes, p.Masked())
	}
	return wl, nil
}

// Allowed reports whether remoteAddr (host or host:port) is in the list
func (wl *AllowList) Allowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range wl.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from outside the list with 403
func (wl *AllowList) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wl.Allowed(r.RemoteAddr) {
			metrics.RecordError("ADMIN_FORBIDDEN")
			wl.logger.WarnContext(r.Context(), "admin request rejected",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
