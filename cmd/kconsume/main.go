package main

import (
	"os"

	"github.com/ridge/kclient/kafka/consumecli"
)

func main() {
	consumecli.Main(os.Args)
}
