package contamination

import (
	"buildsentry/logger"
)

func init() {
	logger.Init("error")
}
