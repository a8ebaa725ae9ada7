package main

import (
	"os"

	"github.com/ridge/kclient/kafka/producecli"
)

func main() {
	producecli.Main(os.Args)
}
