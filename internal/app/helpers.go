package app

import (
	"log"
	"path/filepath"
	"strings"

	"github.com/petervdpas/callbridge/internal/config"
	"github.com/petervdpas/callbridge/internal/params"
)

// NormalizeLocalViewer keeps the viewer on loopback: ":8790" and
// "0.0.0.0:8790" both become "127.0.0.1:8790".
func NormalizeLocalViewer(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

// resolve places rel next to the config file. Empty stays empty.
func resolve(cfgPath, rel string) string {
	if rel == "" {
		return ""
	}
	return config.ResolvePath(filepath.Dir(cfgPath), rel)
}

func pionLevel(level string) string {
	if level == "" {
		return "warn"
	}
	return level
}

func logBanner(cfgPath string, p params.Params) {
	log.Println("────────────────────────────────────────")
	log.Println("callbridge call agent")
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" Peer id     : %s", p.PeerID)
	if p.TargetID != "" {
		log.Printf(" Calling     : %s", p.TargetID)
	}
	log.Println("")
	log.Println(" stdout carries CALL_EVENT lines only.")
	log.Println("────────────────────────────────────────")
}
