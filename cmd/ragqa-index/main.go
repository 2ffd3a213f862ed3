// Package main is the entry point for the offline index builder.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/kart-io/sentinel-rag/cmd/ragqa-index/app"
)

func main() {
	app.NewApp().Run()
}
