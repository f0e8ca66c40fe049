package buildexec

import (
	"buildsentry/logger"
)

func init() {
	logger.Init("error")
}
