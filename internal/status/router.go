package status

import (
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/philornot/ai-reminder/internal/cache"
	"github.com/philornot/ai-reminder/internal/delivery"
	"github.com/philornot/ai-reminder/internal/jobs"
	"github.com/philornot/ai-reminder/internal/notifier"
	"github.com/philornot/ai-reminder/internal/provider"
	rtsup "github.com/philornot/ai-reminder/internal/runtime/supervisor"
	"github.com/philornot/ai-reminder/internal/scheduler"
	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// Report is the /status document.
type Report struct {
	Now         time.Time                 `json:"now"`
	Uptime      string                    `json:"uptime"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
	Upcoming    []time.Time               `json:"upcoming,omitempty"`
	Cache       cache.Stats               `json:"cache"`
	Provider    provider.Stats            `json:"provider"`
	LastFire    delivery.Result           `json:"last_fire"`
	Deliveries  []storage.DeliveryEntry   `json:"deliveries,omitempty"`
	Notifier    []notifier.HistoryItem    `json:"notifier,omitempty"`
	Jobs        []jobs.JobInfo            `json:"jobs,omitempty"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
	Storage     string                    `json:"storage"`
	Events      []EventView               `json:"events,omitempty"`
}

type EventView struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Router builds the gin engine for cfg. Exposed for tests.
func (s *Service) Router(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/")
	if cfg.JWTSecret != "" {
		api.Use(RequireJWT(cfg.JWTSecret))
	}
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleEvents)

	if cfg.Pprof {
		dbg := api.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(hpprof.Index))
		dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(hpprof.Profile))
		dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/trace", gin.WrapF(hpprof.Trace))
		dbg.GET("/:name", func(c *gin.Context) {
			hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

func (s *Service) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(s.start).Round(time.Second).String()})
}

func (s *Service) handleStatus(c *gin.Context) {
	var rep Report
	if s.source != nil {
		rep = s.source(c.Request.Context())
	}
	rep.Now = time.Now()
	rep.Uptime = time.Since(s.start).Round(time.Second).String()
	rep.Events = s.eventViews()
	c.JSON(http.StatusOK, rep)
}

func (s *Service) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.eventViews()})
}

func (s *Service) eventViews() []EventView {
	evs := s.Events()
	out := make([]EventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, EventView{Type: e.Type, Time: e.Time, Data: e.Data})
	}
	return out
}

// requestLogger logs every request at debug and slow ones at warn.
func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		took := time.Since(start)
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", took),
		}
		if took > 200*time.Millisecond && c.Request.URL.Path != "/debug/pprof/profile" && c.Request.URL.Path != "/debug/pprof/trace" {
			log.Warn("slow request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
