package extcmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Router builds a chi router exposing the command pipe as an HTTP
// alternative to the FIFO: POST /commands accepts the same
// "[<timestamp>] NAME;arg;arg..." line the FIFO reader parses, one
// command per request body. Both transports share Parse and dispatch
// through the same Processor, so a handler registered once fires
// regardless of which surface submitted the command.
func (p *Processor) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
	}))
	r.Post("/commands", p.handleCommand)
	return r
}

func (p *Processor) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusBadRequest)
		return
	}

	line := strings.TrimSpace(string(body))
	cmd, err := Parse(line)
	if err != nil {
		http.Error(w, fmt.Sprintf("parsing command: %v", err), http.StatusBadRequest)
		return
	}

	p.mu.RLock()
	handler, ok := p.handlers[cmd.Name]
	p.mu.RUnlock()
	if ok {
		handler(cmd)
	}

	select {
	case p.cmdChan <- cmd:
	default:
		p.log("External command channel full, dropping: %s", cmd.Name)
	}

	w.WriteHeader(http.StatusAccepted)
}
