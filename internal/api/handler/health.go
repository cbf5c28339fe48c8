package handler

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"
)

const serviceName = "chat-delivery"

// Health reports the service status. The broker state decides between
// 200 "ok" and 503 "degraded".
func (h *Handler) Health(c *gin.Context) {
	status := h.broker.Status()

	body := gin.H{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(h.started).Seconds(),
		"service":     serviceName,
		"broker":      status,
		"connections": gin.H{"chat": h.Hub.Chats().Len(), "notification": h.Hub.Notifications().Len()},
	}
	if rss, ok := residentMemory(); ok {
		body["memory_rss_bytes"] = rss
	}

	code := http.StatusOK
	if !status.Connected {
		code = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(code, body)
}

func residentMemory() (uint64, bool) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0, false
	}
	return info.RSS, true
}
