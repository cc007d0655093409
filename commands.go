package torctl

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/ferrovax/torctl/descriptor"
	"github.com/ferrovax/torctl/internal/errors"
	"github.com/ferrovax/torctl/internal/response"
)

// cacheableGetInfoParams are GETINFO params whose value can't change while
// tor runs, so replies are cached until the connection resets.
var cacheableGetInfoParams = map[string]bool{
	"version":                  true,
	"config-file":              true,
	"exit-policy/default":      true,
	"fingerprint":              true,
	"config/names":             true,
	"config/defaults":          true,
	"info/names":               true,
	"events/names":             true,
	"features/names":           true,
	"process/descriptor-limit": true,
}

// geoipFailureThreshold is how many failed ip-to-country lookups it takes
// before we conclude tor has no geoip database and stop asking.
const geoipFailureThreshold = 5

// mappedConfigKeys are config options that can only be fetched via a
// different GETCONF key.
var mappedConfigKeys = map[string]string{
	"hiddenservicedir":             "HiddenServiceOptions",
	"hiddenserviceport":            "HiddenServiceOptions",
	"hiddenserviceversion":         "HiddenServiceOptions",
	"hiddenserviceauthorizeclient": "HiddenServiceOptions",
	"hiddenserviceoptions":         "HiddenServiceOptions",
}

// GetInfo queries tor for a single GETINFO param.
func (c *Controller) GetInfo(ctx context.Context, param string) (string, error) {
	values, err := c.GetInfoMap(ctx, param)
	if err != nil {
		return "", err
	}

	return values[param], nil
}

// GetInfoMap queries tor for multiple GETINFO params at once, returning a
// param to value map. Unchanging params like "version" are answered from
// cache when possible.
func (c *Controller) GetInfoMap(ctx context.Context, params ...string) (map[string]string, error) {
	if len(params) == 0 {
		return map[string]string{}, nil
	}

	result := make(map[string]string, len(params))

	var remaining []string

	for _, param := range params {
		if value, ok := c.cachedValue("getinfo." + strings.ToLower(param)); ok {
			result[param] = value
		} else {
			remaining = append(remaining, param)
		}
	}

	if len(remaining) == 0 {
		return result, nil
	}

	if err := c.checkGeoipAvailable(remaining); err != nil {
		return nil, err
	}

	m, err := c.Msg(ctx, "GETINFO "+strings.Join(remaining, " "))
	if err != nil {
		return nil, err
	}

	reply, err := response.ParseGetInfo(m)
	if err != nil {
		c.noteGeoipFailure(remaining)

		return nil, err
	}

	if err := reply.AssertMatches(remaining); err != nil {
		return nil, err
	}

	toCache := make(map[string]string)

	for key, value := range reply.Entries {
		result[key] = value

		if cacheableGetInfoParams[strings.ToLower(key)] {
			toCache["getinfo."+strings.ToLower(key)] = value
		}
	}

	if len(toCache) > 0 {
		c.setCachedValues(toCache)
	}

	return result, nil
}

// checkGeoipAvailable fails ip-to-country lookups fast once we know tor has
// no geoip database.
func (c *Controller) checkGeoipAvailable(params []string) error {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.geoipFailures < geoipFailureThreshold {
		return nil
	}

	for _, param := range params {
		if strings.HasPrefix(strings.ToLower(param), "ip-to-country/") {
			return errors.Protocolf("tor geoip database is unavailable")
		}
	}

	return nil
}

func (c *Controller) noteGeoipFailure(params []string) {
	for _, param := range params {
		if !strings.HasPrefix(strings.ToLower(param), "ip-to-country/") {
			return
		}
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.geoipFailures++

	if c.geoipFailures == geoipFailureThreshold {
		c.log.Warn("Repeated geoip lookup failures, treating tor's geoip database as unavailable")
	}
}

// GetConf queries tor for a configuration option, returning its first value
// or an empty string when unset.
func (c *Controller) GetConf(ctx context.Context, param string) (string, error) {
	values, err := c.GetConfMap(ctx, param)
	if err != nil {
		return "", err
	}

	if entries := values[param]; len(entries) > 0 {
		return entries[0], nil
	}

	return "", nil
}

// GetConfMap queries tor for multiple configuration options at once. Results
// are keyed by the caller's params, preserving their casing, with repeated
// options accumulating values.
func (c *Controller) GetConfMap(ctx context.Context, params ...string) (map[string][]string, error) {
	if len(params) == 0 {
		return map[string][]string{}, nil
	}

	// Some options can only be fetched via a different key, like the
	// HiddenService* family via HiddenServiceOptions.
	lookup := make([]string, 0, len(params))
	seen := make(map[string]bool, len(params))

	for _, param := range params {
		key := param
		if mapped, ok := mappedConfigKeys[strings.ToLower(param)]; ok {
			key = mapped
		}

		if !seen[strings.ToLower(key)] {
			seen[strings.ToLower(key)] = true
			lookup = append(lookup, key)
		}
	}

	m, err := c.Msg(ctx, "GETCONF "+strings.Join(lookup, " "))
	if err != nil {
		return nil, err
	}

	reply, err := response.ParseGetConf(m)
	if err != nil {
		return nil, err
	}

	// Tor replies with its own casing for the keys, so match them back to
	// the caller's params case-insensitively.
	byLower := make(map[string][]string, len(reply.Entries))
	for key, values := range reply.Entries {
		byLower[strings.ToLower(key)] = values
	}

	result := make(map[string][]string, len(params))

	for _, param := range params {
		// Tor echoes the actual option names, so try the param itself before
		// the key we queried on its behalf.
		if values, ok := byLower[strings.ToLower(param)]; ok {
			result[param] = values

			continue
		}

		if mapped, ok := mappedConfigKeys[strings.ToLower(param)]; ok {
			if values, ok := byLower[strings.ToLower(mapped)]; ok {
				result[param] = values
			}
		}
	}

	return result, nil
}

// ConfSetting is a configuration change for SetOptions. An empty Values
// resets the option to its default.
type ConfSetting struct {
	Key    string
	Values []string
}

// SetConf changes a configuration option. Providing no value resets the
// option to its default.
func (c *Controller) SetConf(ctx context.Context, key string, values ...string) error {
	return c.SetOptions(ctx, []ConfSetting{{Key: key, Values: values}}, false)
}

// ResetConf resets configuration options to their defaults.
func (c *Controller) ResetConf(ctx context.Context, keys ...string) error {
	settings := make([]ConfSetting, 0, len(keys))
	for _, key := range keys {
		settings = append(settings, ConfSetting{Key: key})
	}

	return c.SetOptions(ctx, settings, true)
}

// SetOptions applies multiple configuration changes in a single atomic
// SETCONF or, with reset, RESETCONF request.
func (c *Controller) SetOptions(ctx context.Context, settings []ConfSetting, reset bool) error {
	var query strings.Builder

	if reset {
		query.WriteString("RESETCONF")
	} else {
		query.WriteString("SETCONF")
	}

	for _, setting := range settings {
		if len(setting.Values) == 0 {
			query.WriteString(" " + setting.Key)

			continue
		}

		for _, value := range setting.Values {
			query.WriteString(fmt.Sprintf(" %s=%s", setting.Key, quoteValue(value)))
		}
	}

	m, err := c.Msg(ctx, query.String())
	if err != nil {
		return err
	}

	code, text, err := m.SingleLine()
	if err != nil {
		return err
	}

	switch code {
	case "250":
		touched := make([]string, 0, len(settings))
		for _, setting := range settings {
			touched = append(touched, "getconf."+strings.ToLower(setting.Key))
		}

		c.dropCachedValues(touched)

		return nil
	case "552":
		const prefix = "Unrecognized option: Unknown option '"
		if strings.HasPrefix(text, prefix) {
			key, _, _ := strings.Cut(text[len(prefix):], "'")

			invalidErr := &errors.InvalidArgumentsError{Arguments: []string{key}}
			invalidErr.Code = code
			invalidErr.Message = text

			return invalidErr
		}

		fallthrough
	case "513", "553":
		reqErr := &errors.InvalidRequestError{}
		reqErr.Code = code
		reqErr.Message = text

		return reqErr
	default:
		return errors.Protocolf("SETCONF returned unexpected status code %s: %s", code, text)
	}
}

// quoteValue wraps a config value in double quotes, escaping backslashes and
// quotes within it.
func quoteValue(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")

	return "\"" + value + "\""
}

// LoadConf loads the given configuration text as if it were tor's torrc.
func (c *Controller) LoadConf(ctx context.Context, configText string) error {
	m, err := c.Msg(ctx, "LOADCONF\n"+configText)
	if err != nil {
		return err
	}

	code, text, err := m.SingleLine()
	if err != nil {
		return err
	}

	switch {
	case code == "250":
		c.ClearCache()

		return nil
	case code == "552" && strings.HasPrefix(text, "Invalid config file: Failed to parse/validate config: Unknown option"):
		const prefix = "Invalid config file: Failed to parse/validate config: Unknown option '"

		invalidErr := &errors.InvalidArgumentsError{}
		invalidErr.Code = code
		invalidErr.Message = text

		if strings.HasPrefix(text, prefix) {
			option, _, _ := strings.Cut(text[len(prefix):], "'")
			invalidErr.Arguments = []string{option}
		}

		return invalidErr
	case code == "552" || code == "553":
		reqErr := &errors.InvalidRequestError{}
		reqErr.Code = code
		reqErr.Message = text

		return reqErr
	default:
		return errors.Protocolf("LOADCONF returned unexpected status code %s: %s", code, text)
	}
}

// SaveConf persists tor's present configuration to its torrc. With force,
// tor overwrites the torrc even if it includes config lines it would
// otherwise preserve.
func (c *Controller) SaveConf(ctx context.Context, force bool) error {
	query := "SAVECONF"
	if force {
		query += " FORCE"
	}

	m, err := c.Msg(ctx, query)
	if err != nil {
		return err
	}

	code, text, err := m.SingleLine()
	if err != nil {
		return err
	}

	switch code {
	case "250":
		return nil
	case "551":
		opErr := &errors.OperationFailedError{Code: code, Message: text}

		return opErr
	default:
		return errors.Protocolf("SAVECONF returned unexpected status code %s: %s", code, text)
	}
}

// Signal is a signal deliverable to tor via its control port.
type Signal string

// Signals accepted by tor.
const (
	// SignalReload reloads tor's configuration, like a SIGHUP.
	SignalReload Signal = "RELOAD"

	// SignalShutdown exits tor, after its ShutdownWaitLength if it's an
	// active relay.
	SignalShutdown Signal = "SHUTDOWN"

	// SignalDump writes statistics about open connections and circuits to
	// the log.
	SignalDump Signal = "DUMP"

	// SignalDebug switches tor's log level to debug.
	SignalDebug Signal = "DEBUG"

	// SignalHalt exits tor immediately.
	SignalHalt Signal = "HALT"

	// SignalNewnym switches to clean circuits, so new requests don't share
	// circuits with old ones.
	SignalNewnym Signal = "NEWNYM"

	// SignalClearDNSCache forgets cached DNS results.
	SignalClearDNSCache Signal = "CLEARDNSCACHE"

	// SignalHeartbeat makes tor log a heartbeat message.
	SignalHeartbeat Signal = "HEARTBEAT"

	// SignalDormant stops tor's background activity.
	SignalDormant Signal = "DORMANT"

	// SignalActive resumes from the dormant state.
	SignalActive Signal = "ACTIVE"

	// SignalHup is the unix-style alias for SignalReload.
	SignalHup Signal = "HUP"

	// SignalInt is the unix-style alias for SignalShutdown.
	SignalInt Signal = "INT"

	// SignalUsr1 is the unix-style alias for SignalDump.
	SignalUsr1 Signal = "USR1"

	// SignalUsr2 is the unix-style alias for SignalDebug.
	SignalUsr2 Signal = "USR2"

	// SignalTerm is the unix-style alias for SignalHalt.
	SignalTerm Signal = "TERM"
)

// Signal sends a signal to tor.
func (c *Controller) Signal(ctx context.Context, signal Signal) error {
	m, err := c.Msg(ctx, "SIGNAL "+string(signal))
	if err != nil {
		return err
	}

	if m.IsOK() {
		// Reloading drops any state we've cached.
		if signal == SignalReload || signal == SignalHup {
			c.ClearCache()
			c.notify(StateReset)
		}

		return nil
	}

	if m.Code() == "552" {
		invalidErr := &errors.InvalidArgumentsError{Arguments: []string{string(signal)}}
		invalidErr.Code = m.Code()
		invalidErr.Message = m.Text()

		return invalidErr
	}

	return errors.Protocolf("SIGNAL response contained unrecognized status code: %s", m.Code())
}

// featureDefaultSince maps features that became always-on to the version
// where that happened.
var featureDefaultSince = map[string]Version{
	"EXTENDED_EVENTS": {Major: 0, Minor: 2, Micro: 2, Patch: 1, Status: "alpha"},
	"VERBOSE_NAMES":   {Major: 0, Minor: 2, Micro: 2, Patch: 1, Status: "alpha"},
}

// EnableFeature enables protocol features via USEFEATURE. Enabled features
// stay on for the connection's lifetime.
func (c *Controller) EnableFeature(ctx context.Context, features ...string) error {
	m, err := c.Msg(ctx, "USEFEATURE "+strings.Join(features, " "))
	if err != nil {
		return err
	}

	if !m.IsOK() {
		const prefix = "Unrecognized feature \""
		if m.Code() == "552" && strings.HasPrefix(m.Text(), prefix) {
			feature, _, _ := strings.Cut(m.Text()[len(prefix):], "\"")

			invalidErr := &errors.InvalidArgumentsError{Arguments: []string{feature}}
			invalidErr.Code = m.Code()
			invalidErr.Message = m.Text()

			return invalidErr
		}

		reqErr := &errors.InvalidRequestError{}
		reqErr.Code = m.Code()
		reqErr.Message = m.Text()

		return reqErr
	}

	c.cacheMu.Lock()
	for _, feature := range features {
		c.enabledFeatures[strings.ToUpper(feature)] = true
	}
	c.cacheMu.Unlock()

	return nil
}

// IsFeatureEnabled reports if a protocol feature is on, accounting for
// features that modern tor releases enable unconditionally.
func (c *Controller) IsFeatureEnabled(ctx context.Context, feature string) (bool, error) {
	feature = strings.ToUpper(feature)

	c.cacheMu.Lock()
	enabled := c.enabledFeatures[feature]
	c.cacheMu.Unlock()

	if enabled {
		return true, nil
	}

	since, ok := featureDefaultSince[feature]
	if !ok {
		return false, nil
	}

	version, err := c.GetVersion(ctx)
	if err != nil {
		return false, err
	}

	if version.AtLeast(since) {
		c.cacheMu.Lock()
		c.enabledFeatures[feature] = true
		c.cacheMu.Unlock()

		return true, nil
	}

	return false, nil
}

// NewCircuit builds a new circuit, returning its id. An empty path lets tor
// pick the relays.
func (c *Controller) NewCircuit(ctx context.Context, path ...string) (string, error) {
	return c.ExtendCircuit(ctx, "0", path...)
}

// ExtendCircuit extends the given circuit through the given relays,
// returning the circuit id. Circuit id "0" builds a new circuit instead.
func (c *Controller) ExtendCircuit(ctx context.Context, circuitID string, path ...string) (string, error) {
	query := "EXTENDCIRCUIT " + circuitID
	if len(path) > 0 {
		query += " " + strings.Join(path, ",")
	}

	m, err := c.Msg(ctx, query)
	if err != nil {
		return "", err
	}

	code, text, err := m.SingleLine()
	if err != nil {
		return "", err
	}

	switch code {
	case "250":
		keyword, extendedID, found := strings.Cut(text, " ")
		if !found || keyword != "EXTENDED" {
			return "", errors.Protocolf("EXTENDCIRCUIT response invalid: %s", text)
		}

		return extendedID, nil
	case "512", "552":
		reqErr := &errors.InvalidRequestError{}
		reqErr.Code = code
		reqErr.Message = text

		return "", reqErr
	default:
		return "", errors.Protocolf("EXTENDCIRCUIT returned unexpected status code %s: %s", code, text)
	}
}

// RepurposeCircuit changes a circuit's purpose, "general" or "controller".
func (c *Controller) RepurposeCircuit(ctx context.Context, circuitID, purpose string) error {
	m, err := c.Msg(ctx, fmt.Sprintf("SETCIRCUITPURPOSE %s purpose=%s", circuitID, purpose))
	if err != nil {
		return err
	}

	if !m.IsOK() {
		reqErr := &errors.InvalidRequestError{}
		reqErr.Code = m.Code()
		reqErr.Message = m.Text()

		return reqErr
	}

	return nil
}

// MapAddress configures tor to remap the given addresses, returning the
// mappings it accepted. Mapping an address to itself asks tor to pick a
// replacement, which the result reveals.
func (c *Controller) MapAddress(ctx context.Context, mapping map[string]string) (map[string]string, error) {
	pairs := make([]string, 0, len(mapping))
	for old, replacement := range mapping {
		pairs = append(pairs, old+"="+replacement)
	}

	sort.Strings(pairs)

	m, err := c.Msg(ctx, "MAPADDRESS "+strings.Join(pairs, " "))
	if err != nil {
		return nil, err
	}

	return response.ParseMapAddress(m)
}

// GetVersion returns the version of tor we're connected to.
func (c *Controller) GetVersion(ctx context.Context) (Version, error) {
	c.cacheMu.Lock()
	cached := c.versionCache
	c.cacheMu.Unlock()

	if cached != nil {
		return *cached, nil
	}

	value, err := c.GetInfo(ctx, "version")
	if err != nil {
		return Version{}, err
	}

	version, err := ParseVersion(value)
	if err != nil {
		return Version{}, err
	}

	c.cacheMu.Lock()
	if c.cachingEnabled {
		c.versionCache = &version
	}
	c.cacheMu.Unlock()

	return version, nil
}

// GetProtocolInfo queries tor's PROTOCOLINFO, describing the authentication
// methods it accepts.
func (c *Controller) GetProtocolInfo(ctx context.Context) (*ProtocolInfo, error) {
	c.cacheMu.Lock()
	cached := c.pinfoCache
	c.cacheMu.Unlock()

	if cached != nil {
		return cached, nil
	}

	m, err := c.Msg(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return nil, err
	}

	info, err := response.ParseProtocolInfo(c.log, m)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	if c.cachingEnabled {
		c.pinfoCache = info
	}
	c.cacheMu.Unlock()

	return info, nil
}

// GetServerDescriptor fetches the server descriptor of a relay, identified
// by fingerprint or nickname.
func (c *Controller) GetServerDescriptor(ctx context.Context, relay string) (*descriptor.ServerDescriptor, error) {
	var query string

	switch {
	case isFingerprint(relay):
		query = "desc/id/" + strings.TrimPrefix(relay, "$")
	case isNickname(relay):
		query = "desc/name/" + relay
	default:
		return nil, fmt.Errorf("%q isn't a valid relay fingerprint or nickname", relay)
	}

	text, err := c.GetInfo(ctx, query)
	if err != nil {
		return nil, err
	}

	return descriptor.ParseServerDescriptor(text)
}

// GetServerDescriptors iterates over the server descriptors of all relays
// tor currently knows of. Requires DownloadExtraInfo to be set for tor to
// keep unused descriptors around.
func (c *Controller) GetServerDescriptors(ctx context.Context) iter.Seq2[*descriptor.ServerDescriptor, error] {
	return func(yield func(*descriptor.ServerDescriptor, error) bool) {
		text, err := c.GetInfo(ctx, "desc/all-recent")
		if err != nil {
			yield(nil, err)

			return
		}

		for desc, err := range descriptor.Parse(strings.NewReader(text)) {
			if !yield(desc, err) {
				return
			}
		}
	}
}

// isFingerprint checks for a 40 digit hex fingerprint, optionally with a "$"
// prefix.
func isFingerprint(relay string) bool {
	relay = strings.TrimPrefix(relay, "$")

	if len(relay) != 40 {
		return false
	}

	for _, c := range relay {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}

	return true
}

// isNickname checks for a valid relay nickname, 1 to 19 alphanumerics.
func isNickname(relay string) bool {
	if len(relay) == 0 || len(relay) > 19 {
		return false
	}

	for _, c := range relay {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}

	return true
}
