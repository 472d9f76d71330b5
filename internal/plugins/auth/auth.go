package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/QuadTriangle/wstap/internal/hooks"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const FlagName = "auth-token"

type plugin struct {
	token  string
	logger *zap.Logger
}

func New() hooks.Plugin {
	return &plugin{logger: zap.NewNop()}
}

func (p *plugin) Name() string { return "auth" }

func (p *plugin) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&p.token, FlagName, "", "Bearer token agents and API clients must present. Stored as plaintext.")
}

func (p *plugin) Enabled() bool { return p.token != "" }

func (p *plugin) Init(logger *zap.Logger) error {
	p.logger = logger
	return nil
}

func (p *plugin) EventHooks() []hooks.EventHook           { return nil }
func (p *plugin) ConnectionHooks() []hooks.ConnectionHook { return nil }

func (p *plugin) Middleware() []hooks.Middleware {
	return []hooks.Middleware{Require(p.token, p.logger)}
}

// Require rejects requests without "Authorization: Bearer <token>".
func Require(token string, logger *zap.Logger) hooks.Middleware {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.Info("unauthorized request", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
				w.Header().Set("WWW-Authenticate", `Bearer realm="wstap"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Header returns the request header that satisfies Require.
func Header(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
