package cli

import (
	"context"
	"errors"

	"github.com/paoloantinori/claude-skill-homeassistant/internal/ha"

	"github.com/spf13/cobra"
)

func (a *app) newExposeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "expose <entity_id>...",
		Short: "Expose entities to conversation agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.setExposure(cmd, args, true)
		},
	}
}

func (a *app) newUnexposeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unexpose <entity_id>...",
		Short: "Unexpose entities from conversation agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.setExposure(cmd, args, false)
		},
	}
}

func (a *app) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all exposed entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				exposed, err := s.manager.ListExposed(ctx)
				if err != nil {
					if err = a.reportRejected(err); err != nil {
						return err
					}
					return s.printer.PrintExposed(nil)
				}
				return s.printer.PrintExposed(exposed)
			})
		},
	}
}

func (a *app) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <entity_id>...",
		Short: "Check if specific entities are exposed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				status, err := s.manager.CheckStatus(ctx, args)
				if err != nil {
					if err = a.reportRejected(err); err != nil {
						return err
					}
					return s.printer.PrintStatus(nil, nil)
				}
				return s.printer.PrintStatus(args, status)
			})
		},
	}
}

func (a *app) setExposure(cmd *cobra.Command, entityIDs []string, exposed bool) error {
	return a.withSession(cmd, func(ctx context.Context, s *session) error {
		ok, err := s.manager.SetExposure(ctx, entityIDs, exposed)
		if err != nil {
			return err
		}
		if !ok {
			if exposed {
				return errors.New("failed to expose entities")
			}
			return errors.New("failed to unexpose entities")
		}
		return s.printer.PrintExposureChange(entityIDs, exposed)
	})
}

// reportRejected prints a registry request that Home Assistant answered with
// success=false and lets the command go on with an empty result. Any other
// error is returned unchanged.
func (a *app) reportRejected(err error) error {
	var remoteErr *ha.RemoteError
	if !errors.As(err, &remoteErr) {
		return err
	}
	a.reportError(err)
	return nil
}
