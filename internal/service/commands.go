package service

import "context"

// High-level wrappers for the DJI cloud services the station uses most.
// Each is a thin shim over Caller.Call with the method's parameter
// shape spelled out, so call sites and the HTTP surface stay typed.

// DRCBroker is the relay broker handed to the aircraft when entering
// DRC mode. The aircraft dials this broker for the low-latency command
// channel.
type DRCBroker struct {
	Address    string `json:"address"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	ExpireTime int64  `json:"expire_time"`
	EnableTLS  bool   `json:"enable_tls"`
}

// RequestControlAuth asks the aircraft for flight control authority.
func (c *Caller) RequestControlAuth(ctx context.Context, deviceID, userID, callsign string) (map[string]any, error) {
	return c.Call(ctx, deviceID, "cloud_control_auth_request", map[string]any{
		"user_id":       userID,
		"user_callsign": callsign,
		"control_keys":  []string{"flight"},
	})
}

// ReleaseControlAuth gives flight control authority back.
func (c *Caller) ReleaseControlAuth(ctx context.Context, deviceID string) (map[string]any, error) {
	return c.Call(ctx, deviceID, "cloud_control_auth_release", map[string]any{})
}

// EnterDRCMode switches the aircraft into DRC mode, pointing it at the
// relay broker and setting OSD/HSI push rates in Hz.
func (c *Caller) EnterDRCMode(ctx context.Context, deviceID string, broker DRCBroker, osdFreq, hsiFreq int) (map[string]any, error) {
	return c.Call(ctx, deviceID, "drc_mode_enter", map[string]any{
		"mqtt_broker":   broker,
		"osd_frequency": osdFreq,
		"hsi_frequency": hsiFreq,
	})
}

// ExitDRCMode leaves DRC mode.
func (c *Caller) ExitDRCMode(ctx context.Context, deviceID string) (map[string]any, error) {
	return c.Call(ctx, deviceID, "drc_mode_exit", map[string]any{})
}

// StartLivePush starts a live video push.
//
// Parameters:
//   - url: Push destination
//   - videoID: Camera/lens identifier
//   - urlType: 0 RTMP, 1 RTSP, 2 GB28181
//   - quality: 0 adaptive, 1 smooth, 2 SD, 3 HD, 4 UHD
func (c *Caller) StartLivePush(ctx context.Context, deviceID, url, videoID string, urlType, quality int) (map[string]any, error) {
	return c.Call(ctx, deviceID, "live_start_push", map[string]any{
		"url":           url,
		"video_id":      videoID,
		"url_type":      urlType,
		"video_quality": quality,
	})
}

// StopLivePush stops the live push for one lens.
func (c *Caller) StopLivePush(ctx context.Context, deviceID, videoID string) (map[string]any, error) {
	return c.Call(ctx, deviceID, "live_stop_push", map[string]any{
		"video_id": videoID,
	})
}

// SetLiveQuality changes the live stream quality (same scale as
// StartLivePush).
func (c *Caller) SetLiveQuality(ctx context.Context, deviceID string, quality int) (map[string]any, error) {
	return c.Call(ctx, deviceID, "live_set_quality", map[string]any{
		"video_quality": quality,
	})
}

// ChangeLiveLens switches the live stream to another lens.
func (c *Caller) ChangeLiveLens(ctx context.Context, deviceID, videoID, videoType string) (map[string]any, error) {
	return c.Call(ctx, deviceID, "drc_live_lens_change", map[string]any{
		"video_id":   videoID,
		"video_type": videoType,
	})
}
