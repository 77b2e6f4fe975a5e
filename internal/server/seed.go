package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"tilecache/internal/cacheerr"
	"tilecache/internal/seed"
)

type seedBody struct {
	seed.Request
	OnError          string `json:"onerror"`
	TolerateNotFound *bool  `json:"tolerate_notfound"`
}

// policy is nil when the body leaves both fields out.
func (b seedBody) policy() (*seed.Policy, error) {
	if b.OnError == "" && b.TolerateNotFound == nil {
		return nil, nil
	}
	p := seed.Policy{TolerateNotFound: true}
	var err error
	if p.OnError, err = seed.ParseErrorPolicy(b.OnError); err != nil {
		return nil, err
	}
	if b.TolerateNotFound != nil {
		p.TolerateNotFound = *b.TolerateNotFound
	}
	return &p, nil
}

func (s *Server) seed(c *gin.Context) {
	var body seedBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, cacheerr.Invalid("request", "%v", err))
		return
	}
	policy, err := body.policy()
	if err != nil {
		s.fail(c, err)
		return
	}
	req := body.Request
	req.Policy = policy

	// the session outlives the request
	sess, err := s.engine.Seed(context.Background(), req, seed.Observer{
		OnError: func(te *seed.TaskError) {
			if !te.Fatal {
				s.log.Warnf("seed %s: %v", req.Layer, te)
			}
		},
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, "session "+sess.ID()+" started", sess.Progress())
}

func (s *Server) sessions(c *gin.Context) {
	var out []seed.Progress
	for _, sess := range s.engine.Sessions() {
		out = append(out, sess.Progress())
	}
	respond(c, http.StatusOK, "ok", out)
}

func (s *Server) lookup(c *gin.Context) (*seed.Session, bool) {
	id := c.Param("id")
	sess, ok := s.engine.Session(id)
	if !ok {
		respond(c, http.StatusNotFound, "no session "+id, nil)
	}
	return sess, ok
}

func (s *Server) session(c *gin.Context) {
	if sess, ok := s.lookup(c); ok {
		respond(c, http.StatusOK, "ok", sess.Progress())
	}
}

func (s *Server) pause(c *gin.Context) {
	if sess, ok := s.lookup(c); ok {
		sess.Pause()
		respond(c, http.StatusOK, "session "+sess.ID()+" paused", sess.Progress())
	}
}

func (s *Server) resume(c *gin.Context) {
	if sess, ok := s.lookup(c); ok {
		sess.Resume()
		respond(c, http.StatusOK, "session "+sess.ID()+" resumed", sess.Progress())
	}
}

func (s *Server) cancel(c *gin.Context) {
	if sess, ok := s.lookup(c); ok {
		sess.Cancel()
		respond(c, http.StatusOK, "session "+sess.ID()+" cancelled", sess.Progress())
	}
}
