// Команда softphone звонит через SIP сервер и проигрывает тестовый тон.
//
//	softphone call 1001 --config softphone.yaml --duration 30s
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}
