// Command engine exposes the control operations of this repository's
// external interface as CLI subcommands: start-conversation, handle-input,
// cancel-task, task-status, prioritize, and scheduler-status. Exit codes
// follow the engine-wide convention: 0 success, 2 bad input, 3 capability
// missing with generation disabled, 4 persistence failure, 5 generator
// unreachable, 6 cancellation, 1 anything else.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentcore-dev/engine/internal/config"
	"github.com/agentcore-dev/engine/internal/engineerr"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Administrative control surface for the analysis and task engine",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")

	root.AddCommand(
		startConversationCmd(),
		handleInputCmd(),
		cancelTaskCmd(),
		taskStatusCmd(),
		prioritizeCmd(),
		schedulerStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func loadConfig() (*config.Config, error) {
	opts := []config.Option{}
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	return config.NewConfig(opts...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// exitCodeFor maps a classified EngineError to the §6 exit-code
// convention. Unclassified errors map to 1.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var ee *engineerr.EngineError
	if !errors.As(err, &ee) {
		return 1
	}
	switch ee.Kind {
	case engineerr.KindInput:
		return 2
	case engineerr.KindCapability, engineerr.KindSyntax, engineerr.KindImport,
		engineerr.KindRuntime, engineerr.KindDependency, engineerr.KindResource, engineerr.KindLogic:
		return 3
	case engineerr.KindStructural:
		return 4
	case engineerr.KindTransient:
		if errors.Is(ee, engineerr.ErrGeneratorTimeout) {
			return 5
		}
		return 4
	}
	return 1
}

func startConversationCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "start-conversation",
		Short: "start_conversation(user_id, initial_ctx?) -> conversation_id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			c, err := e.StartConversation(context.Background(), userID)
			if err != nil {
				return err
			}
			printJSON(map[string]string{"conversation_id": c.ConversationID})
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id starting the conversation")
	cmd.MarkFlagRequired("user-id")
	return cmd
}

func handleInputCmd() *cobra.Command {
	var conversationID, text string
	cmd := &cobra.Command{
		Use:   "handle-input",
		Short: "handle_user_input(conversation_id, text, ctx?) -> {task_id, immediate_response, ...}",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			signal, entry, err := e.HandleUserInput(context.Background(), conversationID, text)
			if err != nil {
				return err
			}
			out := map[string]interface{}{}
			if entry != nil {
				out["claimed_skill"] = entry.Name
			}
			if signal != nil {
				out["signal"] = signal
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "conversation id")
	cmd.Flags().StringVar(&text, "text", "", "user input text")
	cmd.MarkFlagRequired("conversation-id")
	cmd.MarkFlagRequired("text")
	return cmd
}

func cancelTaskCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "cancel-task",
		Short: "cancel_task(task_id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			if err := e.CancelTask(taskID); err != nil {
				return err
			}
			fmt.Println("cancelled")
			os.Exit(6) // exit code 6 denotes a successful cancellation, not an error
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id to cancel")
	cmd.MarkFlagRequired("task-id")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "task-status",
		Short: "get_task_status(task_id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			t, err := e.TaskStatus(taskID)
			if err != nil {
				return err
			}
			printJSON(t)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id to query")
	cmd.MarkFlagRequired("task-id")
	return cmd
}

func prioritizeCmd() *cobra.Command {
	var taskID string
	var p float64
	cmd := &cobra.Command{
		Use:   "prioritize",
		Short: "prioritize_task(task_id, p)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			if err := e.PrioritizeTask(taskID, p); err != nil {
				return err
			}
			fmt.Println("priority updated")
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id to reprioritize")
	cmd.Flags().Float64Var(&p, "priority", 50, "priority override in [0, 100]")
	cmd.MarkFlagRequired("task-id")
	return cmd
}

func schedulerStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler-status",
		Short: "get_scheduler_status()",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			printJSON(e.SchedulerStatus())
			return nil
		},
	}
	return cmd
}
