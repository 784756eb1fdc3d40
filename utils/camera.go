package utils

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// CameraCapture grabs still JPEG frames from a local camera through ffmpeg.
type CameraCapture struct {
	Command  string
	DeviceID int
}

func NewCameraCapture(command string, deviceID int) *CameraCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &CameraCapture{
		Command:  command,
		DeviceID: deviceID,
	}
}

// captureArgs builds the ffmpeg arguments for a single JPEG frame on goos.
func captureArgs(goos string, deviceID int) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-video_size", "640x480", "-framerate", "30", "-i", fmt.Sprintf("%d", deviceID)}
	case "linux":
		input = []string{"-f", "v4l2", "-video_size", "640x480", "-i", fmt.Sprintf("/dev/video%d", deviceID)}
	case "windows":
		input = []string{"-f", "dshow", "-video_size", "640x480", "-i", "video=USB Camera"}
	default:
		return nil, fmt.Errorf("unsupported operating system: %s", goos)
	}

	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"-")
	return args, nil
}

// CaptureImage captures one image from the camera and returns the JPEG bytes.
func (c *CameraCapture) CaptureImage(ctx context.Context) ([]byte, error) {
	args, err := captureArgs(runtime.GOOS, c.DeviceID)
	if err != nil {
		return nil, err
	}

	output, err := exec.CommandContext(ctx, c.Command, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to capture image: %w", err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("no image data captured")
	}

	zap.L().Debug("Captured camera image", zap.Int("size", len(output)))
	return output, nil
}

// Run keeps buffer fed with camera frames until ctx is cancelled.
func (c *CameraCapture) Run(ctx context.Context, interval time.Duration, buffer *FrameBuffer) {
	if interval <= 0 {
		interval = time.Second
	}
	zap.L().Info("Camera poller started", zap.Int("device", c.DeviceID), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		data, err := c.CaptureImage(ctx)
		if err != nil {
			failures++
			// Log the first failure and then every 30th to keep a dead camera quiet.
			if failures == 1 || failures%30 == 0 {
				zap.L().Warn("Camera capture failed", zap.Error(err), zap.Int("failures", failures))
			}
		} else {
			failures = 0
			buffer.Put(data)
		}

		select {
		case <-ctx.Done():
			zap.L().Info("Camera poller stopped")
			return
		case <-ticker.C:
		}
	}
}
