package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ari/wisp/internal/session"
)

var (
	loginEmail string
	clearTask  bool
)

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Store the user screen time is synced for",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Open(cfg.GetSessionPath())
		if err != nil {
			return err
		}
		if err := sess.Login(session.User{ID: args[0], Email: loginEmail}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", args[0])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the current user; syncing stops until the next login",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Open(cfg.GetSessionPath())
		if err != nil {
			return err
		}
		if err := sess.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task [description]",
	Short: "Show or set the task site checks compare pages against",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Open(cfg.GetSessionPath())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch {
		case clearTask:
			if err := sess.SetTask(""); err != nil {
				return err
			}
			fmt.Fprintln(out, "Task cleared")
		case len(args) > 0:
			task := strings.Join(args, " ")
			if err := sess.SetTask(task); err != nil {
				return err
			}
			fmt.Fprintf(out, "Task set: %s\n", task)
		default:
			if task := sess.Task(); task != "" {
				fmt.Fprintln(out, task)
			} else {
				fmt.Fprintln(out, "No task set")
			}
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Email shown alongside the user id")
	taskCmd.Flags().BoolVar(&clearTask, "clear", false, "Clear the current task")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(taskCmd)
}
