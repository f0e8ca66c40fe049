package recovery

import (
	"buildsentry/logger"
)

func init() {
	logger.Init("error")
}
