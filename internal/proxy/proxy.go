package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"vault-service/internal/config"
	"vault-service/internal/handler"
	"vault-service/internal/util"
)

// Proxy is the authenticated façade in front of the keeper. It holds no vault
// state: it injects the inter-service credential and forwards. A credential
// supplied by the client is always stripped first.
type Proxy struct {
	keeperURL  *url.URL
	credential string
	reverse    *httputil.ReverseProxy
	logger     *zap.Logger
}

func NewProxy(cfg *config.Config, logger *zap.Logger) (*Proxy, error) {
	keeperURL, err := url.Parse(cfg.Proxy.KeeperURL)
	if err != nil {
		return nil, fmt.Errorf("invalid keeper URL %q: %w", cfg.Proxy.KeeperURL, err)
	}

	p := &Proxy{
		keeperURL:  keeperURL,
		credential: cfg.Server.ServiceCredential,
		logger:     logger,
	}

	p.reverse = &httputil.ReverseProxy{
		Director: p.direct,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("Keeper unreachable",
				util.String("path", r.URL.Path),
				util.ErrorField(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"success":false,"error":"upstream unavailable"}`))
		},
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return p, nil
}

func (p *Proxy) direct(r *http.Request) {
	r.URL.Scheme = p.keeperURL.Scheme
	r.URL.Host = p.keeperURL.Host
	r.Host = p.keeperURL.Host

	// Never trust a caller-supplied credential.
	r.Header.Del(handler.ServiceCredentialHeader)
	r.Header.Set(handler.ServiceCredentialHeader, p.credential)
}

// Router builds the public-facing chi router.
func (p *Proxy) Router(cfg *config.Config) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(handler.LoggerMiddleware(p.logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	allowedOrigins := cfg.Proxy.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"vault-proxy"}`))
	})

	router.Handle("/api/v1/*", p.reverse)

	return router
}
