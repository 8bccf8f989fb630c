package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/ropnet/internal/nv"
	"github.com/danmuck/ropnet/internal/rop"
	"github.com/danmuck/ropnet/internal/transceiver"
	"github.com/danmuck/ropnet/internal/transmitter"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoTransceiver   = errors.New("no transceiver open")
	ErrAmbiguousRemote = errors.New("remote query parameter required")
	ErrUnknownRemote   = errors.New("unknown remote")
)

type variableLister interface {
	Variables() []nv.Location
}

// DescriptorRequest is the JSON form of an operation to queue.
type DescriptorRequest struct {
	Opcode   string  `json:"opcode"`
	Endpoint uint16  `json:"endpoint"`
	ID       uint32  `json:"id"`
	Data     string  `json:"data,omitempty"`
	Sign     *uint32 `json:"sign,omitempty"`
	PlusTime bool    `json:"plus_time,omitempty"`
}

func (r DescriptorRequest) Descriptor() (rop.Descriptor, error) {
	opcode, err := rop.ParseOpcode(r.Opcode)
	if err != nil {
		return rop.Descriptor{}, err
	}
	d := rop.Descriptor{
		Opcode:   opcode,
		Addr:     rop.Address{Endpoint: r.Endpoint, ID: r.ID},
		PlusTime: r.PlusTime,
	}
	if r.Data != "" {
		data, err := hex.DecodeString(r.Data)
		if err != nil {
			return rop.Descriptor{}, fmt.Errorf("%w: data is not hex", rop.ErrDataSize)
		}
		d.Data = data
	}
	if r.Sign != nil {
		d.HasSign = true
		d.Sign = *r.Sign
	}
	return d, nil
}

type variableView struct {
	Endpoint uint16     `json:"endpoint"`
	ID       uint32     `json:"id"`
	Size     int        `json:"size"`
	Access   string     `json:"access"`
	Owner    string     `json:"owner"`
	Value    string     `json:"value,omitempty"`
	Proxy    *proxyView `json:"proxy,omitempty"`
}

type proxyView struct {
	Value     string    `json:"value"`
	Sign      *uint32   `json:"sign,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Updates   uint64    `json:"updates"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"uptime":       time.Since(s.Appeared).String(),
			"service":      s.ID,
			"transceivers": len(s.Registry.List()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/transceivers", func(c *gin.Context) {
		list := s.Registry.List()
		out := make([]transceiver.Status, 0, len(list))
		for _, t := range list {
			out = append(out, t.Status())
		}
		c.JSON(http.StatusOK, gin.H{"transceivers": out})
	})

	r.GET("/transceiver", func(c *gin.Context) {
		t, ok := s.resolve(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, t.Status())
	})

	ops := r.Group("/transceiver", s.requireToken())
	ops.POST("/occasionals", func(c *gin.Context) {
		s.loadDescriptor(c, "occasional", (*transceiver.Transceiver).LoadOccasional)
	})
	ops.POST("/regulars", func(c *gin.Context) {
		s.loadDescriptor(c, "regular", (*transceiver.Transceiver).LoadRegular)
	})
	ops.DELETE("/regulars", func(c *gin.Context) {
		s.loadDescriptor(c, "unload regular", (*transceiver.Transceiver).UnloadRegular)
	})

	r.GET("/errors/sequence", func(c *gin.Context) {
		t, ok := s.resolve(c)
		if !ok {
			return
		}
		se, present := t.SequenceError()
		if !present {
			c.JSON(http.StatusOK, gin.H{"present": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"present":          true,
			"remote":           se.Remote.String(),
			"received":         se.Received,
			"expected":         se.Expected,
			"tx_time_current":  se.TxTimeCurrent,
			"tx_time_previous": se.TxTimePrevious,
		})
	})

	r.GET("/errors/frame", func(c *gin.Context) {
		t, ok := s.resolve(c)
		if !ok {
			return
		}
		fe, present := t.InvalidFrameError()
		if !present {
			c.JSON(http.StatusOK, gin.H{"present": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"present": true,
			"remote":  fe.Remote.String(),
			"size":    fe.Size,
			"error":   fe.Err.Error(),
		})
	})

	r.GET("/variables", func(c *gin.Context) {
		t, ok := s.resolve(c)
		if !ok {
			return
		}
		lister, ok := t.Set().(variableLister)
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "variable set cannot be listed"})
			return
		}
		locs := lister.Variables()
		out := make([]variableView, 0, len(locs))
		for _, loc := range locs {
			out = append(out, viewVariable(t, loc))
		}
		c.JSON(http.StatusOK, gin.H{"variables": out})
	})

	r.GET("/variables/:endpoint/:id", func(c *gin.Context) {
		t, ok := s.resolve(c)
		if !ok {
			return
		}
		ep, err := strconv.ParseUint(c.Param("endpoint"), 10, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endpoint"})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		loc, found := t.Set().Lookup(rop.Address{Endpoint: uint16(ep), ID: uint32(id)})
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": rop.ErrUnknownVariable.Error()})
			return
		}
		c.JSON(http.StatusOK, viewVariable(t, loc))
	})

	r.GET("/links", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"links": s.linkStats()})
	})
}

// resolve picks the transceiver named by ?remote=, or the only open one.
func (s *Server) resolve(c *gin.Context) (*transceiver.Transceiver, bool) {
	if remote := c.Query("remote"); remote != "" {
		t, ok := s.Registry.Resolve(remote)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownRemote.Error(), "remote": remote})
			return nil, false
		}
		return t, true
	}
	list := s.Registry.List()
	switch len(list) {
	case 0:
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoTransceiver.Error()})
		return nil, false
	case 1:
		return list[0], true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrAmbiguousRemote.Error(), "remotes": sortedRemotes(list)})
		return nil, false
	}
}

func (s *Server) loadDescriptor(c *gin.Context, pool string, load func(*transceiver.Transceiver, rop.Descriptor) error) {
	t, ok := s.resolve(c)
	if !ok {
		return
	}
	var req DescriptorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := req.Descriptor()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := load(t, d); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	log.Info().
		Str("server", s.ID).
		Str("pool", pool).
		Str("opcode", d.Opcode.String()).
		Str("addr", d.Addr.String()).
		Msg("descriptor accepted")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "counts": t.Counts()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rop.ErrUnknownVariable), errors.Is(err, transmitter.ErrNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, rop.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, nv.ErrNotReadable):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func viewVariable(t *transceiver.Transceiver, loc nv.Location) variableView {
	v := variableView{
		Endpoint: loc.Addr.Endpoint,
		ID:       loc.Addr.ID,
		Size:     loc.Size,
		Access:   loc.Access.String(),
		Owner:    loc.Owner.String(),
	}
	if value, err := t.Set().Read(loc); err == nil {
		v.Value = hex.EncodeToString(value)
	}
	if e, ok := t.Proxy().Get(loc.Addr); ok {
		p := &proxyView{Value: hex.EncodeToString(e.Value), UpdatedAt: e.UpdatedAt, Updates: e.Updates}
		if e.HasSign {
			sign := e.Sign
			p.Sign = &sign
		}
		v.Proxy = p
	}
	return v
}
