package main

import (
	"os"

	"github.com/TheCacophonyProject/go-utils/logging"
	power "github.com/thewriterben/wildcam-power/internal/power"
)

var version = "<not set>"

var log = logging.NewLogger("info")

func main() {
	if err := power.Run(os.Args[1:], version); err != nil {
		log.Fatal(err)
	}
}
