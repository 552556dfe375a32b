// Package mqtt is the bridge replicas' link to the coordination broker.
//
// Replicas never talk to each other directly. Each one keeps a retained
// presence record per connected device under rt809f/presence/{device}, and
// relays operations for devices it does not own over
// rt809f/replica/{owner}/request and .../response. The cluster package
// builds those protocols on top of this client.
//
// A replica's own liveness is the retained ReplicaStatus on
// rt809f/replica/{id}/status: online on every connect, offline on Close,
// and offline with ReasonCrash through the Last Will when the broker loses
// the replica. Routes registered with Subscribe are restored after paho
// reconnects.
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Replica.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Enable TLS (mqtt.broker.tls) whenever the broker is off-host: relayed
// job payloads cross it.
package mqtt
