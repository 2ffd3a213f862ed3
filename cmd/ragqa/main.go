// Package main is the entry point for the RAG question answering service.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/kart-io/sentinel-rag/cmd/ragqa/app"
)

func main() {
	app.NewApp().Run()
}
