package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the process-wide line logger. The gateway writes one JSON
// object per line on stdout; access logs and audit events share this stream
// so collectors see a single ordered feed.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits one access-log line for a completed HTTP request.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Printf(`{"level":"error","msg":"unserializable access log entry","error":%q}`, err.Error())
		return
	}
	Logger().Println(string(data))
}
