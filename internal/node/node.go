package node

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/ropnet/internal/auth"
	"github.com/danmuck/ropnet/internal/config"
	"github.com/danmuck/ropnet/internal/link"
	"github.com/danmuck/ropnet/internal/nv"
	"github.com/danmuck/ropnet/internal/server"
	"github.com/danmuck/ropnet/internal/transceiver"
	"github.com/danmuck/ropnet/internal/transmitter"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("node: invalid heartbeat interval")
	ErrInvalidRemote            = errors.New("node: invalid remote address")
)

// Config configures one node: a single channel to a remote board plus an
// optional diagnostics server.
type Config struct {
	ID                string
	Listen            string
	Remote            string
	Period            time.Duration
	Sizes             transmitter.Sizes
	CatalogPath       string
	AdminAddr         string
	AdminToken        string
	CorsOrigins       []string
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ID:                "ropnode",
		Listen:            "0.0.0.0:12345",
		Remote:            transceiver.DefaultRemote.String(),
		Period:            link.DefaultPeriod,
		Sizes:             transmitter.DefaultSizes(),
		HeartbeatInterval: 5 * time.Second,
	}
}

// Service runs the node lifecycle until the process is signalled.
type Service struct {
	cfg      Config
	registry *transceiver.Registry
	tr       *transceiver.Transceiver
	link     *link.Link
	admin    *server.Server
}

func NewService(cfg Config) *Service {
	return &Service{cfg: cfg, registry: transceiver.NewRegistry()}
}

func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) Transceiver() *transceiver.Transceiver {
	return s.tr
}

// bootstrap loads the catalog, opens the channel and binds the socket.
func (s *Service) bootstrap() error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	remote, err := netip.ParseAddrPort(strings.TrimSpace(s.cfg.Remote))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRemote, err)
	}

	var set nv.Set = nv.NewTable()
	var catalog config.CatalogConfig
	if path := strings.TrimSpace(s.cfg.CatalogPath); path != "" {
		catalog, err = config.LoadCatalog(path)
		if err != nil {
			return err
		}
		if set, err = catalog.Table(); err != nil {
			return err
		}
	}

	s.tr, err = s.registry.Open(transceiver.Config{
		Channel:    s.cfg.ID,
		Sizes:      s.cfg.Sizes,
		Remote:     remote,
		Set:        set,
		Protection: transceiver.ProtectionEnabled,
	})
	if err != nil {
		return err
	}

	regulars, err := catalog.Descriptors()
	if err != nil {
		return err
	}
	for _, d := range regulars {
		if err := s.tr.LoadRegular(d); err != nil {
			return fmt.Errorf("load regular %s %s: %w", d.Opcode, d.Addr, err)
		}
	}

	s.link, err = link.Listen(link.Config{Listen: s.cfg.Listen, Period: s.cfg.Period}, s.tr)
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		s.admin = server.Appear(s.cfg.ID, addr, s.cfg.CorsOrigins, s.registry)
		if token := strings.TrimSpace(s.cfg.AdminToken); token != "" {
			s.admin.Auth = auth.StaticToken{Token: token}
		}
		s.admin.AttachLink(remote.String(), s.link)
	}

	log.Info().
		Str("node", s.cfg.ID).
		Str("remote", remote.String()).
		Int("regulars", len(regulars)).
		Bool("admin", s.admin != nil).
		Msg("node ready")
	return nil
}

// serve runs the link and the diagnostics server and logs a heartbeat.
func (s *Service) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	linkErr := make(chan error, 1)
	adminErr := make(chan error, 1)
	go func() {
		linkErr <- s.link.Run(ctx)
	}()
	if s.admin != nil {
		go func() {
			adminErr <- s.admin.Serve(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			<-linkErr
			log.Info().Str("node", s.cfg.ID).Msg("node shutdown")
			return nil
		case err := <-linkErr:
			return err
		case err := <-adminErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			st := s.tr.Status()
			ls := s.link.Stats()
			log.Info().
				Str("node", s.cfg.ID).
				Uint64("sequence", st.Sequence).
				Int("regulars", st.Counts.Regulars).
				Uint64("rx", ls.Received).
				Uint64("tx", ls.Sent).
				Uint64("rejected", ls.Rejected).
				Uint64("reply_drops", st.ReplyDrops).
				Msg("heartbeat")
		}
	}
}
