package hooks

import "sync"

// ChannelRegistrar tracks the plugin-message channels the extension layer
// has declared interest in, mirroring go.minekube.com/gate's
// pluginChannels sets.String field and its ChannelRegistrar() accessor.
// The Backend Control Manager's PluginMessage hook only fires for channels
// registered here; an unregistered channel's messages are dropped before
// ever reaching CallPluginMessage.
type ChannelRegistrar struct {
	mu       sync.RWMutex
	channels map[string]struct{}
}

// NewChannelRegistrar returns an empty ChannelRegistrar.
func NewChannelRegistrar() *ChannelRegistrar {
	return &ChannelRegistrar{channels: make(map[string]struct{})}
}

// Register declares interest in channel.
func (r *ChannelRegistrar) Register(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = struct{}{}
}

// Unregister withdraws interest in channel.
func (r *ChannelRegistrar) Unregister(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channel)
}

// Registered reports whether channel is currently registered.
func (r *ChannelRegistrar) Registered(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel]
	return ok
}
