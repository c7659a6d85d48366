package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/glimte/mmate-stomp/substrate"
)

const (
	hdrAcceptVersion = "accept-version"
	hdrAck           = "ack"
	hdrContentLength = "content-length"
	hdrContentType   = "content-type"
	hdrDestination   = "destination"
	hdrHeartBeat     = "heart-beat"
	hdrHost          = "host"
	hdrID            = "id"
	hdrLogin         = "login"
	hdrMessage       = "message"
	hdrMessageID     = "message-id"
	hdrPasscode      = "passcode"
	hdrPersistent    = "persistent"
	hdrReceipt       = "receipt"
	hdrReceiptID     = "receipt-id"
	hdrRedelivered   = "redelivered"
	hdrServer        = "server"
	hdrSession       = "session"
	hdrSubscription  = "subscription"
	hdrTransaction   = "transaction"
	hdrVersion       = "version"
)

const (
	ackAuto             = "auto"
	ackClient           = "client"
	ackClientIndividual = "client-individual"
)

// frame headers consumed by the gateway and never forwarded to consumers
var controlHeaders = map[string]bool{
	hdrDestination:   true,
	hdrReceipt:       true,
	hdrTransaction:   true,
	hdrContentLength: true,
	hdrContentType:   true,
	hdrPersistent:    true,
	hdrMessageID:     true,
	hdrSubscription:  true,
	hdrAck:           true,
	hdrRedelivered:   true,
}

var supportedVersions = []string{"1.2", "1.1", "1.0"}

// negotiateVersion picks the highest protocol version both sides accept. A
// missing accept-version header means a 1.0 client.
func negotiateVersion(accept string) (string, bool) {
	if strings.TrimSpace(accept) == "" {
		return "1.0", true
	}

	offered := make(map[string]bool)
	for _, v := range strings.Split(accept, ",") {
		offered[strings.TrimSpace(v)] = true
	}
	for _, v := range supportedVersions {
		if offered[v] {
			return v, true
		}
	}
	return "", false
}

func receiptFrame(receiptID string) *frame.Frame {
	return frame.New(frame.RECEIPT, hdrReceiptID, receiptID)
}

func errorFrame(r Report) *frame.Frame {
	f := frame.New(frame.ERROR, hdrMessage, r.Message)
	if r.ReceiptID != "" {
		f.Header.Add(hdrReceiptID, r.ReceiptID)
	}

	body := r.Detail
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	f.Body = []byte(body)
	f.Header.Add(hdrContentType, "text/plain")
	f.Header.Add(hdrContentLength, strconv.Itoa(len(f.Body)))
	return f
}

// messageFromFrame extracts the publishable part of a SEND frame
func messageFromFrame(f *frame.Frame) substrate.Message {
	msg := substrate.Message{
		Body:        f.Body,
		ContentType: f.Header.Get(hdrContentType),
		MessageID:   f.Header.Get(hdrMessageID),
		Persistent:  f.Header.Get(hdrPersistent) == "true",
	}

	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if controlHeaders[k] {
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}
		if _, seen := msg.Headers[k]; !seen {
			msg.Headers[k] = v
		}
	}
	return msg
}

func ackID(subscriptionID string, tag uint64) string {
	return fmt.Sprintf("%s@@%d", subscriptionID, tag)
}

func parseAckID(id string) (string, uint64, error) {
	i := strings.LastIndex(id, "@@")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed message id '%s'", id)
	}
	tag, err := strconv.ParseUint(id[i+2:], 10, 64)
	if err != nil || tag == 0 {
		return "", 0, fmt.Errorf("malformed message id '%s'", id)
	}
	return id[:i], tag, nil
}

func messageFrame(sub *subscription, d substrate.Delivery) *frame.Frame {
	id := ackID(sub.id, d.Tag)
	f := frame.New(frame.MESSAGE,
		hdrDestination, sub.destination,
		hdrMessageID, id,
		hdrSubscription, sub.id,
	)
	if sub.ack != ackAuto {
		f.Header.Add(hdrAck, id)
	}
	if d.Redelivered {
		f.Header.Add(hdrRedelivered, "true")
	}
	if d.Message.Persistent {
		f.Header.Add(hdrPersistent, "true")
	}
	for k, v := range d.Message.Headers {
		if !controlHeaders[k] {
			f.Header.Add(k, v)
		}
	}
	if d.Message.ContentType != "" {
		f.Header.Add(hdrContentType, d.Message.ContentType)
	}
	f.Header.Add(hdrContentLength, strconv.Itoa(len(d.Message.Body)))
	f.Body = d.Message.Body
	return f
}
