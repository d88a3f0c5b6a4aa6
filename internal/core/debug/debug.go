package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/protocol"
)

// Keys used in a client's DebugTags.
const (
	SERVER_TYPE = "server_type"
	CLIENT_ADDR = "client_addr"
)

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger logrus.FieldLogger, pprofPort int) {
	startPprofServer(logger, pprofPort)
}

// This function starts the default pprof HTTP server that can be accessed via localhost
// to get runtime information about the server. See https://golang.org/pkg/net/http/pprof/
func startPprofServer(logger logrus.FieldLogger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

// MessageTracer dumps protocol messages to a logger at debug level.
type MessageTracer struct {
	Logger logrus.FieldLogger

	config *spew.ConfigState
}

func NewMessageTracer(logger logrus.FieldLogger) *MessageTracer {
	return &MessageTracer{
		Logger: logger,
		config: &spew.ConfigState{
			Indent:                  "  ",
			DisablePointerAddresses: true,
			DisableCapacities:       true,
			SortKeys:                true,
		},
	}
}

// Trace logs m along with the client's debug tags.
func (t *MessageTracer) Trace(tags map[string]interface{}, fromClient bool, m protocol.Message) {
	direction := "server->client"
	if fromClient {
		direction = "client->server"
	}
	t.Logger.WithFields(logrus.Fields(tags)).Debugf("[%s] %s %s", direction, m.Type(), t.Format(m))
}

// Format renders m the way Trace logs it.
func (t *MessageTracer) Format(m protocol.Message) string {
	return t.config.Sdump(m)
}
