package models

import "time"

const (
	ConnectionStatusStarting = "starting"
	ConnectionStatusRunning  = "running"
	ConnectionStatusError    = "error"
	ConnectionStatusStopped  = "stopped"
)

const (
	HealthStatusStarting  = "starting"
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusNone      = "none"
)

// ContainerConnection is the registry's routing entry for a session container.
type ContainerConnection struct {
	SessionID       string     `json:"sessionId"`
	UserID          string     `json:"userId"`
	ContainerID     string     `json:"containerId"`
	ContainerName   string     `json:"containerName"`
	Host            string     `json:"host"`
	ToolServerPort  int        `json:"toolServerPort"`
	DevServerPort   int        `json:"devServerPort"`
	Status          string     `json:"status"`
	HealthStatus    string     `json:"healthStatus"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
}

// Valid reports whether every routing field is populated.
func (c *ContainerConnection) Valid() bool {
	return c != nil &&
		c.SessionID != "" &&
		c.ContainerID != "" &&
		c.ContainerName != "" &&
		c.Host != "" &&
		c.ToolServerPort > 0 &&
		c.DevServerPort > 0
}
