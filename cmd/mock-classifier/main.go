// Command mock-classifier serves the lexical model behind the remote
// classifier protocol, for exercising model.backend: remote locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/mocksidecar"
)

func main() {
	addr := flag.String("addr", "", "listen address (default 127.0.0.1:$MOCK_SIDECAR_PORT or :18081)")
	weights := flag.String("weights", "", "lexical weights file (embedded defaults when empty)")
	lexPath := flag.String("lexicon", "", "lexicon file (embedded defaults when empty)")
	flag.Parse()

	log, err := logging.New(logging.Config{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	lex, err := lexicon.Default()
	if *lexPath != "" {
		lex, err = lexicon.Load(*lexPath)
	}
	if err != nil {
		log.Error("load lexicon", logging.Error(err))
		os.Exit(1)
	}
	w, err := classifier.LoadLexicalWeights(*weights)
	if err != nil {
		log.Error("load weights", logging.Error(err))
		os.Exit(1)
	}
	model, err := classifier.NewLexicalModel(lex, w)
	if err != nil {
		log.Error("build model", logging.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, _, err := mocksidecar.Start(*addr, model, log)
	if err != nil {
		log.Error("start mock classifier", logging.Error(err))
		os.Exit(1)
	}
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(sctx)
}
