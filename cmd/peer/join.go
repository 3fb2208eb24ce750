package main

import (
	"context"

	"remotelink/internal/core/domain"
	"remotelink/internal/peer"
	"remotelink/pkg/validation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	grantScreen    bool
	grantMouse     bool
	grantKeyboard  bool
	grantRecording bool
	captureAddr    string
	codec          string
)

var joinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a session by its six digit code and share the screen",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().BoolVar(&grantScreen, "screen", true, "grant screen sharing")
	joinCmd.Flags().BoolVar(&grantMouse, "mouse", false, "grant mouse control")
	joinCmd.Flags().BoolVar(&grantKeyboard, "keyboard", false, "grant keyboard control")
	joinCmd.Flags().BoolVar(&grantRecording, "recording", false, "grant recording")
	joinCmd.Flags().StringVar(&captureAddr, "capture", "", "UDP address receiving RTP from the screen encoder")
	joinCmd.Flags().StringVar(&codec, "codec", "vp8", "codec of the captured stream: vp8, vp9 or h264")
}

func runJoin(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateSessionCode(args[0]); err != nil {
		return err
	}
	grant := domain.Permissions{
		ScreenShare:     grantScreen,
		MouseControl:    grantMouse,
		KeyboardControl: grantKeyboard,
		Recording:       grantRecording,
	}
	opts := peer.Options{
		Role:  domain.RoleClient,
		Code:  domain.SessionCode(args[0]),
		Grant: &grant,
	}
	return runPeer(cmd.Context(), opts, func(ctx context.Context, p *peer.Peer, log *zap.SugaredLogger) {
		p.OnPermissions(func(perms domain.Permissions) {
			log.Infow("permissions changed",
				"screen_share", perms.ScreenShare,
				"mouse_control", perms.MouseControl,
				"keyboard_control", perms.KeyboardControl,
				"recording", perms.Recording,
			)
		})
	})
}
