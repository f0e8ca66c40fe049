package integrity

import (
	"buildsentry/logger"
)

func init() {
	logger.Init("error")
}
