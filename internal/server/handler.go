package server

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/memlru/pkg/cache"
	"github.com/cachemir/memlru/pkg/protocol"
)

// result is what a worker decided for one request.
type result struct {
	resp *protocol.Response
	// closeReason is non-empty when the connection must be closed after resp.
	closeReason string
}

// handle runs on a pool worker. The header has been read; the body has not.
func (s *Server) handle(t task) {
	c, h := t.c, t.h

	res, err := s.execute(c, h)
	if err != nil {
		c.log.Debug("read request body failed", zap.Error(err))
		s.closeConn(c, "read_body")
		return
	}

	s.obs.Request(h.Opcode, res.resp.Status)
	if err := s.setWriteDeadline(c); err != nil {
		s.closeConn(c, "deadline")
		return
	}
	if err := protocol.WriteResponse(c.nc, res.resp); err != nil {
		c.log.Debug("write response failed", zap.Error(err))
		s.closeConn(c, "write")
		return
	}

	if res.closeReason != "" {
		c.log.Info("closing connection after protocol error",
			zap.String("reason", res.closeReason),
			zap.Stringer("opcode", h.Opcode),
			zap.Uint32("body_length", h.TotalBodyLength),
		)
		s.closeConn(c, res.closeReason)
		return
	}

	// The watcher waits for the next request without a deadline.
	if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
		s.closeConn(c, "deadline")
		return
	}
	c.inFlight.Store(false)
	c.arm()
}

// execute validates h, reads the body and runs the request against the cache.
// An error means the body could not be read and nothing should be written.
func (s *Server) execute(c *conn, h protocol.Header) (result, error) {
	if err := s.limits.Validate(h); err != nil {
		status, reason := protocol.StatusInvalidArguments, "invalid_lengths"
		switch {
		case errors.Is(err, protocol.ErrFrameTooLarge):
			status, reason = protocol.StatusValueTooLarge, "frame_too_large"
		case errors.Is(err, protocol.ErrKeyTooLong):
			reason = "key_too_long"
		}
		return result{resp: errorResponse(h, status, err.Error()), closeReason: reason}, nil
	}

	if h.Opcode != protocol.OpGet && h.Opcode != protocol.OpSet {
		msg := "Unknown command " + h.Opcode.String()
		return result{
			resp:        errorResponse(h, protocol.StatusUnknownCommand, msg),
			closeReason: "unknown_opcode",
		}, nil
	}

	if err := s.setReadDeadline(c); err != nil {
		return result{}, err
	}
	req, err := protocol.ReadBody(c.br, h)
	if err != nil {
		return result{}, err
	}

	if h.Opcode == protocol.OpGet {
		return result{resp: s.get(req)}, nil
	}
	return result{resp: s.set(req)}, nil
}

func (s *Server) get(req *protocol.Request) *protocol.Response {
	value, metadata, ok := s.cache.Get(req.Key)
	if !ok {
		return &protocol.Response{
			Opcode: protocol.OpGet,
			Status: protocol.StatusKeyNotFound,
			Opaque: req.Header.Opaque,
			Value:  protocol.NotFoundMessage,
		}
	}

	extras := make([]byte, protocol.FlagsSize)
	copy(extras, metadata)
	return &protocol.Response{
		Opcode: protocol.OpGet,
		Status: protocol.StatusSuccess,
		Opaque: req.Header.Opaque,
		Extras: extras,
		Value:  value,
	}
}

func (s *Server) set(req *protocol.Request) *protocol.Response {
	err := s.cache.Set(req.Key, req.Value, protocol.Flags(req.Extras))
	switch {
	case err == nil:
		return &protocol.Response{
			Opcode: protocol.OpSet,
			Status: protocol.StatusSuccess,
			Opaque: req.Header.Opaque,
		}
	case errors.Is(err, cache.ErrTooLarge):
		return errorResponse(req.Header, protocol.StatusValueTooLarge, "Too large")
	default:
		s.log.Error("cache set failed", zap.Error(err))
		return errorResponse(req.Header, protocol.StatusOutOfMemory, "Out of memory")
	}
}

func errorResponse(h protocol.Header, status protocol.Status, msg string) *protocol.Response {
	return &protocol.Response{
		Opcode: h.Opcode,
		Status: status,
		Opaque: h.Opaque,
		Value:  []byte(msg),
	}
}
