package prometheus

import (
	"net"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/statorio/stator/pkg/core"
)

// Handler serves /metrics from DefaultRegistry plus a liveness probe
// on /healthz. Embedders with their own fasthttp server can mount it
// directly instead of running Serve.
func Handler() fasthttp.RequestHandler {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		case "/healthz":
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString(`{"status": "up"}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// Server is a running scrape endpoint.
type Server struct {
	srv *fasthttp.Server
	ln  net.Listener
	log core.Logger
}

// Serve starts a scrape endpoint on addr. Use ":0" for an ephemeral
// port and Addr for the bound address.
func Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		srv: &fasthttp.Server{
			Handler: Handler(),
			Name:    "stator-metrics",
		},
		ln:  ln,
		log: core.NewPrefixLogger("metrics"),
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil {
			s.log.Errorf("serve: %v", err)
		}
	}()

	s.log.Infof("metrics listening on %s", ln.Addr())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close shuts the endpoint down.
func (s *Server) Close() error {
	return s.srv.Shutdown()
}
