package main

import (
	"context"
	"fmt"
	"net"
	"os"

	webrtcinfra "p2d/internal/infrastructure/webrtc"
	"p2d/pkg/config"
	"p2d/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagVideoRTP     string
	flagAudioRTP     string
	flagAllowControl bool
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create a room and share your screen",
	Long: `Create a room and print its code. Others join with "p2d join CODE".

Screen and voice are read as RTP from a local encoder, for example:
  ffmpeg -f x11grab -i :0 -c:v libvpx -deadline realtime -f rtp rtp://127.0.0.1:5004
  p2d host --video-rtp 127.0.0.1:5004`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		log := logger.New(cfg.Logging.Level).Sugar().Named("media")
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		media, err := openLocalMedia(ctx, flagVideoRTP, flagAudioRTP, log)
		if err != nil {
			return err
		}
		return runSession(sessionOptions{sharing: true, media: media, allowControl: flagAllowControl}, os.Stdin, cmd.OutOrStdout())
	},
}

func init() {
	f := hostCmd.Flags()
	f.StringVar(&flagVideoRTP, "video-rtp", "", "UDP address receiving VP8 RTP from the screen encoder")
	f.StringVar(&flagAudioRTP, "audio-rtp", "", "UDP address receiving Opus RTP from the microphone encoder")
	f.BoolVar(&flagAllowControl, "allow-control", false, "start with remote control enabled")
}

// openLocalMedia starts an RTP pump for every configured address.
func openLocalMedia(ctx context.Context, videoAddr, audioAddr string, log *zap.SugaredLogger) (*webrtcinfra.LocalMedia, error) {
	media := &webrtcinfra.LocalMedia{}

	if videoAddr != "" {
		w, err := webrtcinfra.NewVideoWriter("p2d-screen", log)
		if err != nil {
			return nil, err
		}
		w.OnKeyframeRequest(func() { log.Debugw("peer requested a keyframe") })
		if err := pump(ctx, videoAddr, w, log); err != nil {
			return nil, err
		}
		media.Video = w
	}
	if audioAddr != "" {
		w, err := webrtcinfra.NewAudioWriter("p2d-screen", log)
		if err != nil {
			return nil, err
		}
		if err := pump(ctx, audioAddr, w, log); err != nil {
			return nil, err
		}
		media.Audio = w
	}

	if media.Empty() {
		return nil, nil
	}
	return media, nil
}

func pump(ctx context.Context, addr string, w *webrtcinfra.TrackWriter, log *zap.SugaredLogger) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen for rtp on %s: %w", addr, err)
	}
	go func() {
		if err := webrtcinfra.PumpRTP(ctx, conn, w); err != nil && ctx.Err() == nil {
			log.Warnw("rtp input stopped", "address", addr, "error", err)
		}
	}()
	return nil
}
