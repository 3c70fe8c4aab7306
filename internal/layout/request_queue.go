package layout

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// PendingRequestSize is the encoded size of one queue entry.
const PendingRequestSize = 72

var RequestQueueDiscriminator = AccountDiscriminator("RequestQueue")

// TimeUnit says how a request's creation time is expressed.
type TimeUnit uint8

const (
	TimeUnitSecond TimeUnit = iota
	TimeUnitSlot
)

func (u TimeUnit) String() string {
	switch u {
	case TimeUnitSecond:
		return "second"
	case TimeUnitSlot:
		return "slot"
	default:
		return fmt.Sprintf("TimeUnit(%d)", uint8(u))
	}
}

// RequestType distinguishes subscriptions from redemptions.
type RequestType uint8

const (
	RequestTypeSubscription RequestType = iota
	RequestTypeRedemption
)

// PendingRequest is one queued subscription or redemption.
// For redemptions Incoming is the share amount handed in.
type PendingRequest struct {
	User        solana.PublicKey
	Incoming    uint64
	Outgoing    uint64
	CreatedAt   uint64
	FulfilledAt uint64
	TimeUnit    TimeUnit
	RequestType RequestType
}

// RequestQueue is the per-vault queue of pending requests.
type RequestQueue struct {
	Mint     solana.PublicKey
	Requests []PendingRequest
}

// DecodeRequestQueue decodes a RequestQueue account including its discriminator.
func DecodeRequestQueue(data []byte) (RequestQueue, error) {
	if err := checkDiscriminator(data, RequestQueueDiscriminator, "request queue"); err != nil {
		return RequestQueue{}, err
	}
	dec := bin.NewBorshDecoder(data[DiscriminatorLength:])

	mint, err := readPublicKey(dec)
	if err != nil {
		return RequestQueue{}, fmt.Errorf("request queue mint: %w", err)
	}
	n, err := readVecLen(dec, PendingRequestSize, "request queue entries")
	if err != nil {
		return RequestQueue{}, err
	}

	queue := RequestQueue{Mint: mint, Requests: make([]PendingRequest, n)}
	for i := range queue.Requests {
		req, err := decodePendingRequest(dec)
		if err != nil {
			return RequestQueue{}, fmt.Errorf("pending request %d: %w", i, err)
		}
		queue.Requests[i] = req
	}
	return queue, nil
}

func decodePendingRequest(dec *bin.Decoder) (PendingRequest, error) {
	var req PendingRequest
	var err error
	if req.User, err = readPublicKey(dec); err != nil {
		return PendingRequest{}, err
	}
	for _, field := range []*uint64{&req.Incoming, &req.Outgoing, &req.CreatedAt, &req.FulfilledAt} {
		if *field, err = dec.ReadUint64(bin.LE); err != nil {
			return PendingRequest{}, err
		}
	}
	unit, err := dec.ReadUint8()
	if err != nil {
		return PendingRequest{}, err
	}
	kind, err := dec.ReadUint8()
	if err != nil {
		return PendingRequest{}, err
	}
	req.TimeUnit = TimeUnit(unit)
	req.RequestType = RequestType(kind)
	if err := dec.SkipBytes(6); err != nil {
		return PendingRequest{}, err
	}
	return req, nil
}

// MarshalBinary encodes the queue with its discriminator.
func (q RequestQueue) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(RequestQueueDiscriminator[:])
	enc := bin.NewBorshEncoder(buf)

	if err := writePublicKey(enc, q.Mint); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(q.Requests)), bin.LE); err != nil {
		return nil, err
	}
	for _, req := range q.Requests {
		if err := writePublicKey(enc, req.User); err != nil {
			return nil, err
		}
		for _, v := range []uint64{req.Incoming, req.Outgoing, req.CreatedAt, req.FulfilledAt} {
			if err := enc.WriteUint64(v, bin.LE); err != nil {
				return nil, err
			}
		}
		if err := enc.WriteUint8(uint8(req.TimeUnit)); err != nil {
			return nil, err
		}
		if err := enc.WriteUint8(uint8(req.RequestType)); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(make([]byte, 6), false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
