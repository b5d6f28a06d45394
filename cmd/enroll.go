package cmd

import (
	"fmt"

	"github.com/jmehdipour/coursepay/internal/config"
	"github.com/jmehdipour/coursepay/internal/db"
	"github.com/jmehdipour/coursepay/internal/logger"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmehdipour/coursepay/internal/service/enrollment"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <user-id> <course-id>",
	Short: "Grant a course enrollment without payment (idempotent)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		settler := enrollment.New(repository.NewEnrollmentsRepository(sqlDB), log)
		created, err := settler.Grant(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "enrolled %s in %s\n", args[0], args[1])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already enrolled in %s\n", args[0], args[1])
		}
		return nil
	},
}
