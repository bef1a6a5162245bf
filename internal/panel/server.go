// Package panel serves the HTML control panel. A tenant logs in with a panel
// key issued in chat and can then manage its watch list and template.
package panel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"pingall/internal/control"
	"pingall/internal/model"
	"pingall/internal/youtube"
	logx "pingall/pkg/logx"
)

const (
	DefaultAddr       = "127.0.0.1:8080"
	DefaultSessionTTL = 24 * time.Hour

	cookieName = "pingall_session"
	ctxSession = "session"
	ctxTenant  = "tenant"
)

type Config struct {
	Addr           string
	SessionTTL     time.Duration
	TrustedProxies []string
	// SecureCookie marks the session cookie Secure; set when served over https.
	SecureCookie bool
}

// Control is the subset of control.Service the panel uses.
type Control interface {
	Status(ctx context.Context, tenant model.TenantID) (model.TenantConfig, error)
	AddChannel(ctx context.Context, tenant model.TenantID, actor control.Actor, raw string) (control.AddResult, error)
	RemoveChannel(ctx context.Context, tenant model.TenantID, actor control.Actor, channelID string) error
	UpdateTemplate(ctx context.Context, tenant model.TenantID, actor control.Actor, tmpl string) error
	Authorize(ctx context.Context, key string) (model.TenantID, error)
}

type Server struct {
	cfg  Config
	ctl  Control
	log  logx.Logger
	sess *sessions
	eng  *gin.Engine

	mu  sync.Mutex
	srv *http.Server
}

func New(cfg Config, ctl Control, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, ctl: ctl, log: log, sess: newSessions(cfg.SessionTTL)}
	eng := gin.New()
	if err := eng.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	eng.SetHTMLTemplate(pageTmpl)
	eng.Use(s.requestLog(), gin.CustomRecovery(func(c *gin.Context, r any) {
		s.log.Error("panic in panel handler", logx.Any("panic", r), logx.String("path", c.Request.URL.Path))
		c.AbortWithStatus(http.StatusInternalServerError)
	}), s.loadSession())

	eng.GET("/", s.index)
	eng.POST("/login", s.login)
	eng.GET("/logout", s.logout)

	authed := eng.Group("/")
	authed.Use(s.requireSession(), s.checkToken())
	{
		authed.POST("/add", s.add)
		authed.POST("/update_format", s.updateFormat)
		authed.GET("/delete/:id", s.remove)
	}
	s.eng = eng
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.eng }

// Start listens on cfg.Addr and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.eng,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("panel server stopped", logx.Err(err))
		}
	}()
	s.log.Info("panel listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.String("ip", c.ClientIP()),
			logx.Duration("dur", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("panel request", fields...)
			return
		}
		s.log.Debug("panel request", fields...)
	}
}

// loadSession attaches the caller's session and tenant, if any.
func (s *Server) loadSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(cookieName)
		if err == nil && id != "" {
			if t, ok := s.sess.tenant(id); ok {
				c.Set(ctxSession, id)
				c.Set(ctxTenant, t)
			}
		}
		c.Next()
	}
}

func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ctxTenant); !ok {
			c.Redirect(http.StatusSeeOther, "/")
			c.Abort()
			return
		}
		c.Next()
	}
}

// checkToken rejects state-changing requests that do not carry the session's
// token in the "t" form or query field.
func (s *Server) checkToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.GetString(ctxSession)
		tok := c.PostForm("t")
		if tok == "" {
			tok = c.Query("t")
		}
		if !s.sess.validToken(sid, tok) {
			s.log.Info("panel request without valid token", logx.String("path", c.FullPath()), logx.String("ip", c.ClientIP()))
			s.sess.setFlash(sid, "that link expired, please try again")
			c.Redirect(http.StatusSeeOther, "/")
			c.Abort()
			return
		}
		c.Next()
	}
}

func sessionOf(c *gin.Context) (string, model.TenantID) {
	return c.GetString(ctxSession), c.MustGet(ctxTenant).(model.TenantID)
}

var panelActor = control.Actor{Surface: "panel"}

func (s *Server) index(c *gin.Context) {
	if _, ok := c.Get(ctxTenant); !ok {
		c.HTML(http.StatusOK, "page", pageData{})
		return
	}
	sid, tenant := sessionOf(c)
	preview, flash := s.sess.pop(sid)
	cfg, err := s.ctl.Status(c.Request.Context(), tenant)
	if err != nil {
		s.log.Warn("panel status failed", logx.String("tenant", string(tenant)), logx.Err(err))
		c.HTML(http.StatusInternalServerError, "page", pageData{LoggedIn: true, Flash: control.UserMessage(err)})
		return
	}
	rows := make([]watchedRow, 0, len(cfg.Watched))
	for _, w := range cfg.Watched {
		rows = append(rows, watchedRow{ID: w.ID, Name: w.Name})
	}
	c.HTML(http.StatusOK, "page", pageData{
		LoggedIn: true,
		Token:    s.sess.token(sid),
		Flash:    flash,
		Label:    cfg.Label,
		HasSink:  cfg.Sink != nil,
		Template: cfg.Template,
		Watched:  rows,
		Preview:  preview,
	})
}

func (s *Server) login(c *gin.Context) {
	key := strings.TrimSpace(c.PostForm("key"))
	tenant, err := s.ctl.Authorize(c.Request.Context(), key)
	if err != nil {
		s.log.Info("panel login rejected", logx.String("ip", c.ClientIP()))
		c.HTML(http.StatusUnauthorized, "page", pageData{Flash: control.UserMessage(err)})
		return
	}
	if old := c.GetString(ctxSession); old != "" {
		s.sess.delete(old)
	}
	sid := s.sess.create(tenant)
	s.setCookie(c, sid, int(s.cfg.SessionTTL/time.Second))
	s.log.Info("panel login", logx.String("tenant", string(tenant)), logx.String("ip", c.ClientIP()))
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) logout(c *gin.Context) {
	if sid := c.GetString(ctxSession); sid != "" {
		s.sess.delete(sid)
	}
	s.setCookie(c, "", -1)
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) add(c *gin.Context) {
	sid, tenant := sessionOf(c)
	res, err := s.ctl.AddChannel(c.Request.Context(), tenant, panelActor, c.PostForm("yt_id"))
	if err != nil {
		s.sess.setFlash(sid, control.UserMessage(err))
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	p := &Preview{Name: res.Channel.Name}
	if res.Preview != nil {
		p.Title, p.URL = res.Preview.Title, res.Preview.URL
		p.Thumbnail = res.Preview.Thumbnail
		if p.Thumbnail == "" && res.Preview.VideoID != "" {
			p.Thumbnail = youtube.ThumbnailURL(res.Preview.VideoID)
		}
	}
	s.sess.setPreview(sid, p)
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) updateFormat(c *gin.Context) {
	sid, tenant := sessionOf(c)
	if err := s.ctl.UpdateTemplate(c.Request.Context(), tenant, panelActor, c.PostForm("format")); err != nil {
		s.sess.setFlash(sid, control.UserMessage(err))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) remove(c *gin.Context) {
	sid, tenant := sessionOf(c)
	if err := s.ctl.RemoveChannel(c.Request.Context(), tenant, panelActor, c.Param("id")); err != nil {
		s.sess.setFlash(sid, control.UserMessage(err))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookieName, value, maxAge, "/", "", s.cfg.SecureCookie, true)
}
