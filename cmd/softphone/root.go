package main

import (
	"github.com/spf13/cobra"

	"github.com/arzzra/sipphone/pkg/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "softphone",
	Short: "SIP софтфон для исходящих звонков",
	Long: `softphone отправляет INVITE через SIP сервер, согласует аудио кодек
и передает RTP до завершения звонка.

Примеры:
  softphone call 1001                          # звонок пользователю 1001 на сервере из конфигурации
  softphone call sip:bob@10.0.0.1:5060 -d 1m   # звонок на полный URI, отбой через минуту
  softphone validate -c softphone.yaml         # проверка конфигурации`,
	SilenceUsage: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Проверить конфигурацию",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmd.Printf("Конфигурация корректна: сервер %s, RTP порты %d-%d, кодеки %v\n",
			cfg.ServerAddr, cfg.RTPPortStart, cfg.RTPPortEnd, cfg.Codecs)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "путь к файлу конфигурации (yaml)")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig читает файл, если он задан. Без файла используются значения по
// умолчанию и переменные окружения SIPPHONE_*.
func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}
