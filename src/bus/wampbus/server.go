package wampbus

import (
	"context"
	"net/http"

	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"
)

// Server is the relay: a WAMP router exposed over WebSockets that any node
// can reach and publish through. The project runs a public instance, but an
// operator can host their own with the `apn relay` command.
type Server struct {
	address    string
	router     router.Router
	httpServer *http.Server
	logger     *logrus.Entry
}

// NewServer instantiates a relay listening on address within realm.
func NewServer(address, realm string, logger *logrus.Entry) (*Server, error) {
	routerConfig := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{
				URI:           wamp.URI(realm),
				AnonymousAuth: true,
			},
		},
	}

	nxr, err := router.NewRouter(routerConfig, logger)
	if err != nil {
		return nil, err
	}

	wss := router.NewWebsocketServer(nxr)

	httpServer := &http.Server{
		Handler: wss,
		Addr:    address,
	}

	return &Server{
		address:    address,
		router:     nxr,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

// Run starts the relay. This is a blocking call.
func (s *Server) Run() error {
	s.logger.WithField("address", s.address).Info("Serving relay")

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Relay stopped")
		return err
	}
	return nil
}

// Shutdown stops the websocket server and the WAMP router.
func (s *Server) Shutdown() {
	defer s.router.Close()

	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.WithError(err).Error("Shutting down relay http server")
	}
}

// Addr returns the address of the relay.
func (s *Server) Addr() string {
	return s.address
}
