package httpapi

import (
	"net/http"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/gin-gonic/gin"
)

// ListDestinations returns every destination currently in the registry.
func (s *Server) ListDestinations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"destinations": s.registry.Destinations()})
}

// GetDestination returns one destination by id.
func (s *Server) GetDestination(c *gin.Context) {
	id := c.Param("id")
	d, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "destination not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// StartDeployment validates a mapping document and starts it on the
// scheduler (and, if automatic placement is enabled, on the orchestrator).
func (s *Server) StartDeployment(c *gin.Context) {
	var m mapping.DeploymentMapping
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := mapping.Validate(m); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	s.scheduler.StartDeployment(m)
	c.JSON(http.StatusAccepted, gin.H{"deployment_id": s.scheduler.CurrentDeploymentID()})
}

// GetDeployment reports the scheduler's current progress for the named
// deployment. The scheduler runs one deployment at a time, so any id other
// than the current one 404s.
func (s *Server) GetDeployment(c *gin.Context) {
	id := c.Param("id")
	if id != s.scheduler.CurrentDeploymentID() {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deployment_id":  id,
		"total_jobs":     s.scheduler.TotalJobs(),
		"completed_jobs": s.scheduler.CompletedJobs(),
		"failed_jobs":    s.scheduler.FailedJobs(),
		"active_jobs":    s.scheduler.ActiveJobs(),
	})
}

// CancelDeployment cancels the scheduler's current deployment.
func (s *Server) CancelDeployment(c *gin.Context) {
	if !s.requireCurrentDeployment(c) {
		return
	}
	s.scheduler.CancelDeployment()
	c.Status(http.StatusNoContent)
}

// PauseDeployment pauses every job in the current deployment.
func (s *Server) PauseDeployment(c *gin.Context) {
	if !s.requireCurrentDeployment(c) {
		return
	}
	s.scheduler.PauseDeployment()
	c.Status(http.StatusNoContent)
}

// ResumeDeployment resumes a paused deployment.
func (s *Server) ResumeDeployment(c *gin.Context) {
	if !s.requireCurrentDeployment(c) {
		return
	}
	s.scheduler.ResumeDeployment()
	c.Status(http.StatusNoContent)
}

func (s *Server) requireCurrentDeployment(c *gin.Context) bool {
	if c.Param("id") != s.scheduler.CurrentDeploymentID() {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return false
	}
	return true
}

// GetMappingStrategy reports the orchestrator's current placement strategy.
func (s *Server) GetMappingStrategy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategy": s.orchestrator.MappingStrategy()})
}

type setStrategyRequest struct {
	Strategy mapping.Strategy `json:"strategy"`
}

// SetMappingStrategy changes the orchestrator's placement strategy.
func (s *Server) SetMappingStrategy(c *gin.Context) {
	var req setStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Strategy != mapping.LargestFree && req.Strategy != mapping.RoundRobin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy"})
		return
	}
	s.orchestrator.SetMappingStrategy(req.Strategy)
	c.Status(http.StatusNoContent)
}
