package cluster

const (
	messageTypeHeartbeat  = "heartbeat"
	messageTypeServerList = "server-list"
)

// HeartbeatMessage is published periodically by the Heartbeat Publisher (I)
// and consumed by every peer's Proxy Registry (H), per spec.md §3 and §4.6.
type HeartbeatMessage struct {
	ProxyID      string `json:"proxyId"`
	Region       string `json:"region"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	PlayerCount  int    `json:"playerCount"`
	UptimeMs     int64  `json:"uptimeMs"`
	ShuttingDown bool   `json:"shuttingDown"`
}

// MessageType implements Message.
func (HeartbeatMessage) MessageType() string { return messageTypeHeartbeat }

// ServerListOp is the kind of server-list mutation a ServerListMessage
// carries.
type ServerListOp string

const (
	// ServerListRegister announces name/address as owned by ProxyID,
	// replacing any prior entry the same owner published under that name.
	ServerListRegister ServerListOp = "REGISTER"
	// ServerListUnregister retracts name from ProxyID's owned set.
	ServerListUnregister ServerListOp = "UNREGISTER"
	// ServerListSync is a full snapshot of ProxyID's currently owned
	// servers, used on (re)join to resolve any entries a peer missed
	// while this proxy was partitioned or starting up. A receiver drops
	// every entry it previously held for ProxyID and then stores the
	// carried entries as REGISTER would.
	ServerListSync ServerListOp = "SYNC"
)

// ServerListEntry is one backend descriptor carried in a ServerListMessage.
type ServerListEntry struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ServerListMessage is published by the Server-List Handler (J) whenever a
// locally-owned backend is registered or unregistered, or in bulk as a SYNC
// snapshot, per spec.md §4.7.
type ServerListMessage struct {
	ProxyID string            `json:"proxyId"`
	Op      ServerListOp      `json:"op"`
	Entries []ServerListEntry `json:"entries"`
}

// MessageType implements Message.
func (ServerListMessage) MessageType() string { return messageTypeServerList }
