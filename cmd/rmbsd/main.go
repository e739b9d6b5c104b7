// Command rmbsd is the thin HTTP front door around the RMBS cashflow core:
// it accepts a deal/collateral/tape payload, runs the simulation driver, and
// returns the resulting report and reconciliation as JSON. It carries no
// persistence, auth, or scenario-library CRUD — those are external
// collaborators per spec §1; this binary exists only to exercise the core.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/jiangshenghai57/rmbs-engine/internal/deal"
	"github.com/jiangshenghai57/rmbs-engine/internal/driver"
	"github.com/jiangshenghai57/rmbs-engine/internal/reporting"
	"github.com/jiangshenghai57/rmbs-engine/internal/rmbsconfig"
	"github.com/jiangshenghai57/rmbs-engine/internal/rmbslog"
)

// maxConcurrentRuns bounds how many simulations execute at once. A DealState
// is single-threaded (spec §5); the job dispatcher is what fans concurrency
// out, one DealState per job, matching the teacher's workerPool channel.
const maxConcurrentRuns = 8

// JobStatus enumerates the lifecycle of one queued simulation.
type JobStatus string

const (
	JobQueued   JobStatus = "QUEUED"
	JobRunning  JobStatus = "RUNNING"
	JobComplete JobStatus = "COMPLETE"
	JobFailed   JobStatus = "FAILED"
)

// Job is one dispatched simulation run and its eventual outcome.
type Job struct {
	ID             string                       `json:"id"`
	Status         JobStatus                    `json:"status"`
	Report         *reporting.Table             `json:"report,omitempty"`
	Reconciliation []driver.ReconciliationEntry `json:"reconciliation,omitempty"`
	Error          string                       `json:"error,omitempty"`
}

// SimulateRequest is the POST /simulate request body. Deal is kept as raw
// JSON rather than decoded straight into a map[string]any so deal.LoadJSON
// can recover the "variables" object's declaration order, which a
// map[string]any would otherwise discard before the loader ever saw it.
type SimulateRequest struct {
	Deal                    json.RawMessage  `json:"deal"`
	Performance             []map[string]any `json:"performance"`
	CPR                     float64          `json:"cpr"`
	CDR                     float64          `json:"cdr"`
	Severity                float64          `json:"severity"`
	HorizonPeriods          int              `json:"horizon_periods"`
	ApplyWaterfallToActuals *bool            `json:"apply_waterfall_to_actuals"`
}

// Dispatcher owns the job store and the worker pool that drains it. It is
// the "external HTTP-facing job dispatcher" spec §5 describes running many
// simulations in parallel, each with its own DealState.
type Dispatcher struct {
	cfg    rmbsconfig.Config
	logger *rmbslog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job

	workQueue chan func()
}

// NewDispatcher starts maxConcurrentRuns worker goroutines draining a shared
// work queue, mirroring the teacher's workerPool-channel concurrency cap.
func NewDispatcher(cfg rmbsconfig.Config, logger *rmbslog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		logger:    logger,
		jobs:      make(map[string]*Job),
		workQueue: make(chan func(), 100),
	}
	for i := 0; i < maxConcurrentRuns; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	for task := range d.workQueue {
		task()
	}
}

func (d *Dispatcher) storeJob(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[job.ID] = job
}

func (d *Dispatcher) getJob(id string) (*Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[id]
	return j, ok
}

// Submit queues a simulation run and returns its job id immediately.
func (d *Dispatcher) Submit(req SimulateRequest) string {
	runID := uuid.NewString()
	job := &Job{ID: runID, Status: JobQueued}
	d.storeJob(job)

	d.workQueue <- func() {
		d.mu.Lock()
		job.Status = JobRunning
		d.mu.Unlock()

		def, err := deal.LoadJSON(req.Deal)
		if err != nil {
			d.fail(job, err)
			return
		}

		opts := driver.RunOptions{
			HorizonPeriods:          d.cfg.HorizonPeriods,
			CPR:                     d.cfg.DefaultCPR,
			CDR:                     d.cfg.DefaultCDR,
			Severity:                d.cfg.DefaultSeverity,
			ApplyWaterfallToActuals: true,
			Logger:                  d.logger,
			RunID:                   runID,
		}
		if req.HorizonPeriods > 0 {
			opts.HorizonPeriods = req.HorizonPeriods
		}
		if req.CPR != 0 {
			opts.CPR = req.CPR
		}
		if req.CDR != 0 {
			opts.CDR = req.CDR
		}
		if req.Severity != 0 {
			opts.Severity = req.Severity
		}
		if req.ApplyWaterfallToActuals != nil {
			opts.ApplyWaterfallToActuals = *req.ApplyWaterfallToActuals
		}

		s, recon, err := driver.RunSimulation(def, req.Performance, opts)
		if err != nil {
			d.fail(job, err)
			return
		}

		table := reporting.Generate(s.History, def.BondOrder)

		d.mu.Lock()
		job.Status = JobComplete
		job.Report = &table
		job.Reconciliation = recon
		d.mu.Unlock()
	}

	return runID
}

func (d *Dispatcher) fail(job *Job, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job.Status = JobFailed
	job.Error = err.Error()
}

func (d *Dispatcher) handleSimulate(c *gin.Context) {
	var req SimulateRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Deal) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deal is required"})
		return
	}

	jobID := d.Submit(req)
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": JobQueued,
	})
}

func (d *Dispatcher) handleGetJob(c *gin.Context) {
	job, ok := d.getJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	c.JSON(http.StatusOK, job)
}

func handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "rmbs-engine",
		"description": "RMBS deal cashflow projection and waterfall analytics core",
		"version":     "1.0.0",
		"endpoints": gin.H{
			"GET /info":      "service information and capabilities",
			"POST /simulate": "submit a deal + collateral + performance tape for simulation",
			"GET /jobs/:id":  "poll a submitted simulation's status and result",
		},
		"capabilities": []string{
			"Deal definition loading and validation",
			"Restricted expression rule evaluation",
			"CPR/CDR/severity collateral cashflow projection",
			"Waterfall-driven bond/fund/ledger state advancement",
			"Servicer tape ingestion, reconciliation, and cleanup-call termination",
		},
	})
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with process environment")
	}

	cfg, err := rmbsconfig.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := rmbslog.New(cfg.LogPath)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}

	dispatcher := NewDispatcher(cfg, logger)

	router := gin.Default()
	router.GET("/info", handleInfo)
	router.POST("/simulate", dispatcher.handleSimulate)
	router.GET("/jobs/:id", dispatcher.handleGetJob)

	logger.Info("rmbsd listening", "addr", cfg.ListenAddr)
	if err := router.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
