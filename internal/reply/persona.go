package reply

import (
	"os"
	"strings"
	"sync"
	"time"

	logx "autoreply/pkg/logx"
)

const DefaultPersona = "You are a helpful WhatsApp assistant."

// Persona reads the system persona from a file and re-reads it whenever the
// file's modification time moves forward. A missing file yields DefaultPersona.
type Persona struct {
	path string
	log  logx.Logger

	mu    sync.Mutex
	text  string
	mtime time.Time
	ok    bool
}

func NewPersona(path string, log logx.Logger) *Persona {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Persona{path: strings.TrimSpace(path), log: log}
}

func (p *Persona) Text() string {
	if p == nil || p.path == "" {
		return DefaultPersona
	}
	st, err := os.Stat(p.path)
	if err != nil {
		p.log.Warn("persona file missing", logx.String("path", p.path))
		return DefaultPersona
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ok && !st.ModTime().After(p.mtime) {
		return p.text
	}
	b, err := os.ReadFile(p.path)
	if err != nil {
		p.log.Warn("persona file unreadable", logx.String("path", p.path), logx.Err(err))
		if p.ok {
			return p.text
		}
		return DefaultPersona
	}
	p.text = strings.TrimSpace(string(b))
	p.mtime = st.ModTime()
	p.ok = true
	p.log.Info("persona loaded", logx.String("path", p.path), logx.Int("length", len(p.text)))
	return p.text
}
