package discord

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type clientVersion struct {
	Version     string
	Build       int
	VersionCode int
}

type deviceConfig struct {
	Model          string
	Brand          string
	AndroidVersion string
	SDK            string
}

var clientVersions = []clientVersion{
	{Version: "223.9", Build: 223009, VersionCode: 223409},
	{Version: "222.11", Build: 222011, VersionCode: 222411},
	{Version: "221.14", Build: 221014, VersionCode: 221414},
	{Version: "220.15", Build: 220015, VersionCode: 220415},
	{Version: "219.16", Build: 219016, VersionCode: 219416},
}

var deviceConfigs = []deviceConfig{
	{Model: "Samsung SM-G998B", Brand: "samsung", AndroidVersion: "14", SDK: "34"},
	{Model: "Samsung SM-G991B", Brand: "samsung", AndroidVersion: "14", SDK: "34"},
	{Model: "Samsung SM-G996B", Brand: "samsung", AndroidVersion: "13", SDK: "33"},
	{Model: "Samsung SM-S911B", Brand: "samsung", AndroidVersion: "14", SDK: "34"},
	{Model: "Samsung SM-S918B", Brand: "samsung", AndroidVersion: "14", SDK: "34"},
	{Model: "Google Pixel 8 Pro", Brand: "Google", AndroidVersion: "14", SDK: "34"},
	{Model: "Google Pixel 8", Brand: "Google", AndroidVersion: "14", SDK: "34"},
	{Model: "Google Pixel 7 Pro", Brand: "Google", AndroidVersion: "14", SDK: "34"},
	{Model: "OnePlus 11", Brand: "OnePlus", AndroidVersion: "14", SDK: "34"},
	{Model: "OnePlus 12", Brand: "OnePlus", AndroidVersion: "14", SDK: "34"},
	{Model: "Xiaomi 13 Pro", Brand: "Xiaomi", AndroidVersion: "13", SDK: "33"},
	{Model: "Xiaomi 14", Brand: "Xiaomi", AndroidVersion: "14", SDK: "34"},
	{Model: "OPPO Find X6 Pro", Brand: "OPPO", AndroidVersion: "13", SDK: "33"},
	{Model: "OPPO Find X7", Brand: "OPPO", AndroidVersion: "14", SDK: "34"},
}

var locales = []string{
	"en-US", "en-GB", "id-ID", "pt-BR", "es-ES", "fr-FR", "de-DE",
	"ja-JP", "ko-KR", "zh-CN", "ru-RU",
}

var timezones = []string{
	"America/New_York", "America/Los_Angeles", "America/Chicago", "America/Sao_Paulo",
	"Europe/London", "Europe/Paris", "Europe/Berlin", "Europe/Moscow",
	"Asia/Tokyo", "Asia/Seoul", "Asia/Shanghai", "Asia/Jakarta",
	"Asia/Manila", "Australia/Sydney",
}

// Fingerprint is a synthetic mobile-client identity. Every worker carries its
// own; it is rotated on worker start and then on a random 30–120 minute
// interval so long-lived workers don't present one static identity forever.
type Fingerprint struct {
	mu sync.Mutex

	version     clientVersion
	device      deviceConfig
	locale      string
	timezone    string
	vendorID    string
	lastRotated time.Time
	rotateAfter time.Duration

	rng *rand.Rand
}

func NewFingerprint() *Fingerprint {
	f := &Fingerprint{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	f.mu.Lock()
	f.rollLocked()
	f.mu.Unlock()
	return f
}

func (f *Fingerprint) rollLocked() {
	f.version = clientVersions[f.rng.Intn(len(clientVersions))]
	f.device = deviceConfigs[f.rng.Intn(len(deviceConfigs))]
	f.locale = locales[f.rng.Intn(len(locales))]
	f.timezone = timezones[f.rng.Intn(len(timezones))]
	f.vendorID = uuid.NewString()
	f.lastRotated = time.Now()
	f.rotateAfter = 30*time.Minute + time.Duration(f.rng.Int63n(int64(90*time.Minute)))
}

// Rotate unconditionally rolls a new identity.
func (f *Fingerprint) Rotate() {
	f.mu.Lock()
	f.rollLocked()
	f.mu.Unlock()
}

// MaybeRotate rolls a new identity if the current one has aged out.
func (f *Fingerprint) MaybeRotate() {
	f.mu.Lock()
	if time.Since(f.lastRotated) > f.rotateAfter {
		f.rollLocked()
	}
	f.mu.Unlock()
}

// Headers builds the request header set for a message-create call.
func (f *Fingerprint) Headers(token, channelID, guildID string) map[string]string {
	f.mu.Lock()
	v := f.version
	locale := f.locale
	tz := f.timezone
	props := f.superPropertiesLocked()
	f.mu.Unlock()

	referGuild := guildID
	if referGuild == "" {
		referGuild = "@me"
	}
	ua := fmt.Sprintf("Discord-Android/%d", v.VersionCode)

	return map[string]string{
		"authorization":      token,
		"user-agent":         ua,
		"x-super-properties": props,
		"x-discord-locale":   locale,
		"x-discord-timezone": tz,
		"content-type":       "application/json",
		"accept":             "*/*",
		"accept-language":    locale + ",en;q=0.9",
		"x-debug-options":    "bugReporterEnabled",
		"origin":             "https://discord.com",
		"referer":            "https://discord.com/channels/" + referGuild + "/" + channelID,
		"sec-fetch-dest":     "empty",
		"sec-fetch-mode":     "cors",
		"sec-fetch-site":     "same-origin",
	}
}

func (f *Fingerprint) superPropertiesLocked() string {
	props := map[string]any{
		"os":                  "Android",
		"browser":             "Discord Android",
		"device":              f.device.Model,
		"system_locale":       f.locale,
		"client_version":      f.version.Version,
		"release_channel":     "googleRelease",
		"device_vendor_id":    f.vendorID,
		"browser_user_agent":  fmt.Sprintf("Discord-Android/%d", f.version.VersionCode),
		"browser_version":     f.version.Version,
		"os_version":          f.device.AndroidVersion,
		"client_build_number": f.version.Build,
		"client_event_source": nil,
		"design_id":           0,
	}
	b, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// Nonce returns a snowflake-shaped idempotency token for one send.
func (f *Fingerprint) Nonce() string {
	f.mu.Lock()
	bits := f.rng.Int63n(1 << 22)
	f.mu.Unlock()
	ms := time.Now().UnixMilli()
	return strconv.FormatInt(ms<<22|bits, 10)
}
