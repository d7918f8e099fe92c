package main

import (
	"os"

	"github.com/suPer8Hu/ghostwriter/internal/log"
)

func main() {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		log.SetLevel(lvl)
	} else {
		log.SetLevel("WARN")
	}
	if err := BuildApp(os.Stdout).Run(os.Args); err != nil {
		log.GetLogger().Fatal(err)
	}
}
