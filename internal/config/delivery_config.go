package config

import "time"

const (
	// Exchanges
	ChatExchange         = "chat_exchange"
	NotificationExchange = "notification_exchange"
	ChatDLXExchange      = "dlx_exchange"
	NotifDLXExchange     = "dlx_notif_exchange"

	// Dead-letter queues
	ChatDLQ            = "dlx_queue"
	NotifDLQ           = "dlx_notif_queue"
	ChatDLXRoutingKey  = "dlx_routing_key"
	NotifDLXRoutingKey = "dlx_notif_routing_key"

	// Broker connection
	BrokerHeartbeat     = 60 * time.Second
	BrokerJitterMax     = time.Second
	BrokerLocale        = "en_US"
	ConnectionNameStart = "chat_service"

	// Socket
	WriteWait      = 10 * time.Second
	MaxMessageSize = 8192
	SendQueueSize  = 256

	// Close codes
	CloseServiceRestart = 1012
)

// Queue name patterns, filled with the room or user ID.
const (
	ChatQueuePattern         = "chatroom_%s_queue"
	NotificationQueuePattern = "notification_%s_queue"
)
