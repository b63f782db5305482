package consts

// Component names registered with the container.
const (
	CompLogging     = "logging"
	CompEngine      = "stack_engine"
	CompProcessor   = "request_processor"
	CompWatcher     = "source_watcher"
	CompQueueWorker = "queue_worker"
	CompHTTPServer  = "http_server"
)
