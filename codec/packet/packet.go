// Package packet normalizes MQTT 3.1.1 and 5.0 wire packets into a single
// tagged union. Handlers in protocol/ and broker/ work exclusively with the
// types in this package and never see the version-specific structs in
// encoding/ directly, so a connection's negotiated protocol version stays a
// concern of the codec layer instead of leaking into every call site.
package packet

import (
	"bytes"
	"io"

	"github.com/quillmq/quillmq/encoding"
)

// Kind identifies a decoded packet's logical type, independent of which
// wire version produced it.
type Kind byte

const (
	KindConnect Kind = iota + 1
	KindConnack
	KindPublish
	KindPuback
	KindPubrec
	KindPubrel
	KindPubcomp
	KindSubscribe
	KindSuback
	KindUnsubscribe
	KindUnsuback
	KindPingreq
	KindPingresp
	KindDisconnect
	KindAuth
)

// Packet is implemented by every normalized packet type.
type Packet interface {
	Kind() Kind
}

// Connect is the normalized CONNECT packet, built from either
// encoding.ConnectPacket (v5) or encoding.ConnectPacket311.
type Connect struct {
	ProtocolVersion encoding.ProtocolVersion
	ProtocolName    string
	CleanStart      bool
	WillFlag        bool
	WillQoS         encoding.QoS
	WillRetain      bool
	WillTopic       string
	WillPayload     []byte
	WillProperties  encoding.Properties
	UsernameFlag    bool
	Username        string
	PasswordFlag    bool
	Password        []byte
	KeepAlive       uint16
	ClientID        string
	Properties      encoding.Properties
}

func (*Connect) Kind() Kind { return KindConnect }

// Connack is the normalized CONNACK packet.
type Connack struct {
	SessionPresent bool
	ReasonCode     encoding.ReasonCode // v5 reason code; a decoded 3.1.1 CONNACK holds its raw return code byte, and Encode narrows it for 3.1.1 via connackReturnCode311
	Properties     encoding.Properties
}

func (*Connack) Kind() Kind { return KindConnack }

// Publish is the normalized PUBLISH packet.
type Publish struct {
	TopicName string
	PacketID  uint16
	QoS       encoding.QoS
	DUP       bool
	Retain    bool
	Properties encoding.Properties
	Payload   []byte
}

func (*Publish) Kind() Kind { return KindPublish }

// Ack covers PUBACK, PUBREC, PUBREL and PUBCOMP, which share an identical
// shape across both wire versions (packet ID, optional reason code and
// properties on v5).
type Ack struct {
	ack        Kind
	PacketID   uint16
	ReasonCode encoding.ReasonCode
	Properties encoding.Properties
}

func (a *Ack) Kind() Kind { return a.ack }

// Subscribe is the normalized SUBSCRIBE packet.
type Subscribe struct {
	PacketID      uint16
	Properties    encoding.Properties
	Subscriptions []encoding.Subscription
}

func (*Subscribe) Kind() Kind { return KindSubscribe }

// Suback is the normalized SUBACK packet.
type Suback struct {
	PacketID    uint16
	Properties  encoding.Properties
	ReasonCodes []encoding.ReasonCode
}

func (*Suback) Kind() Kind { return KindSuback }

// Unsubscribe is the normalized UNSUBSCRIBE packet.
type Unsubscribe struct {
	PacketID     uint16
	Properties   encoding.Properties
	TopicFilters []string
}

func (*Unsubscribe) Kind() Kind { return KindUnsubscribe }

// Unsuback is the normalized UNSUBACK packet. 3.1.1 carries no reason codes.
type Unsuback struct {
	PacketID    uint16
	Properties  encoding.Properties
	ReasonCodes []encoding.ReasonCode
}

func (*Unsuback) Kind() Kind { return KindUnsuback }

// Pingreq is the normalized PINGREQ packet (identical on both versions).
type Pingreq struct{}

func (*Pingreq) Kind() Kind { return KindPingreq }

// Pingresp is the normalized PINGRESP packet (identical on both versions).
type Pingresp struct{}

func (*Pingresp) Kind() Kind { return KindPingresp }

// Disconnect is the normalized DISCONNECT packet. 3.1.1 carries no reason
// code; absence is represented by ReasonSuccess.
type Disconnect struct {
	ReasonCode encoding.ReasonCode
	Properties encoding.Properties
}

func (*Disconnect) Kind() Kind { return KindDisconnect }

// Auth is the normalized AUTH packet. v5 only; never produced for a 3.1.1
// connection.
type Auth struct {
	ReasonCode encoding.ReasonCode
	Properties encoding.Properties
}

func (*Auth) Kind() Kind { return KindAuth }

// DecodeConnect reads the very first packet on a new connection. Unlike
// every other packet type, a CONNECT's own protocol version byte decides
// how the rest of it is parsed, so this is the one call that does not take
// a version parameter — it returns the negotiated version instead.
func DecodeConnect(r io.Reader) (*Connect, encoding.ProtocolVersion, error) {
	fh, err := encoding.ParseFixedHeader(r)
	if err != nil {
		return nil, 0, err
	}
	if fh.Type != encoding.CONNECT {
		return nil, 0, encoding.ErrMalformedPacket
	}

	body := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return nil, 0, encoding.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	version, err := peekConnectVersion(body)
	if err != nil {
		return nil, 0, err
	}

	br := bytes.NewReader(body)
	if version == encoding.ProtocolVersion50 {
		pkt, err := encoding.ParseConnectPacket(br, fh)
		if err != nil {
			return nil, 0, err
		}
		return fromConnect5(pkt), encoding.ProtocolVersion50, nil
	}

	pkt, err := encoding.ParseConnectPacket311(br, fh)
	if err != nil {
		return nil, 0, err
	}
	return fromConnect311(pkt), encoding.ProtocolVersion311, nil
}

// peekConnectVersion reads just far enough into a buffered CONNECT body to
// find the protocol version byte (2-byte protocol name length + name,
// then the version byte) without consuming the buffer the real parser
// needs.
func peekConnectVersion(body []byte) (encoding.ProtocolVersion, error) {
	if len(body) < 2 {
		return 0, encoding.ErrUnexpectedEOF
	}
	nameLen := int(body[0])<<8 | int(body[1])
	versionOffset := 2 + nameLen
	if versionOffset >= len(body) {
		return 0, encoding.ErrUnexpectedEOF
	}
	return encoding.ProtocolVersion(body[versionOffset]), nil
}

// Decode reads one non-CONNECT packet from r for a connection whose
// protocol version has already been negotiated by a prior DecodeConnect.
func Decode(r io.Reader, version encoding.ProtocolVersion) (Packet, error) {
	fh, err := encoding.ParseFixedHeader(r)
	if err != nil {
		return nil, err
	}

	body := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return nil, encoding.ErrUnexpectedEOF
		}
		return nil, err
	}
	br := bytes.NewReader(body)

	switch fh.Type {
	case encoding.CONNACK:
		if version == encoding.ProtocolVersion50 {
			pkt, err := encoding.ParseConnackPacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Connack{SessionPresent: pkt.SessionPresent, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}, nil
		}
		pkt, err := encoding.ParseConnackPacket311(br, fh)
		if err != nil {
			return nil, err
		}
		return &Connack{SessionPresent: pkt.SessionPresent, ReasonCode: encoding.ReasonCode(pkt.ReturnCode)}, nil

	case encoding.PUBLISH:
		if version == encoding.ProtocolVersion50 {
			pkt, err := encoding.ParsePublishPacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Publish{
				TopicName: pkt.TopicName, PacketID: pkt.PacketID, QoS: fh.QoS, DUP: fh.DUP,
				Retain: fh.Retain, Properties: pkt.Properties, Payload: pkt.Payload,
			}, nil
		}
		pkt, err := encoding.ParsePublishPacket311(br, fh)
		if err != nil {
			return nil, err
		}
		return &Publish{TopicName: pkt.TopicName, PacketID: pkt.PacketID, QoS: fh.QoS, DUP: fh.DUP, Retain: fh.Retain, Payload: pkt.Payload}, nil

	case encoding.PUBACK, encoding.PUBREC, encoding.PUBREL, encoding.PUBCOMP:
		return decodeAck(br, fh, version)

	case encoding.SUBSCRIBE:
		if version == encoding.ProtocolVersion50 {
			pkt, err := encoding.ParseSubscribePacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Subscribe{PacketID: pkt.PacketID, Properties: pkt.Properties, Subscriptions: pkt.Subscriptions}, nil
		}
		pkt, err := encoding.ParseSubscribePacket311(br, fh)
		if err != nil {
			return nil, err
		}
		subs := make([]encoding.Subscription, len(pkt.Subscriptions))
		for i, s := range pkt.Subscriptions {
			subs[i] = encoding.Subscription{TopicFilter: s.TopicFilter, QoS: s.QoS}
		}
		return &Subscribe{PacketID: pkt.PacketID, Subscriptions: subs}, nil

	case encoding.UNSUBSCRIBE:
		if version == encoding.ProtocolVersion50 {
			pkt, err := encoding.ParseUnsubscribePacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Unsubscribe{PacketID: pkt.PacketID, Properties: pkt.Properties, TopicFilters: pkt.TopicFilters}, nil
		}
		pkt, err := encoding.ParseUnsubscribePacket311(br, fh)
		if err != nil {
			return nil, err
		}
		return &Unsubscribe{PacketID: pkt.PacketID, TopicFilters: pkt.TopicFilters}, nil

	case encoding.PINGREQ:
		return &Pingreq{}, nil

	case encoding.PINGRESP:
		return &Pingresp{}, nil

	case encoding.DISCONNECT:
		if version == encoding.ProtocolVersion50 {
			pkt, err := encoding.ParseDisconnectPacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Disconnect{ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}, nil
		}
		if _, err := encoding.ParseDisconnectPacket311(fh); err != nil {
			return nil, err
		}
		return &Disconnect{ReasonCode: encoding.ReasonSuccess}, nil

	case encoding.AUTH:
		pkt, err := encoding.ParseAuthPacket(br, fh)
		if err != nil {
			return nil, err
		}
		return &Auth{ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}, nil

	default:
		return nil, encoding.ErrInvalidType
	}
}

func decodeAck(br *bytes.Reader, fh *encoding.FixedHeader, version encoding.ProtocolVersion) (Packet, error) {
	kind := ackKindFor(fh.Type)
	if version == encoding.ProtocolVersion50 {
		switch fh.Type {
		case encoding.PUBACK:
			pkt, err := encoding.ParsePubackPacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}, nil
		case encoding.PUBREC:
			pkt, err := encoding.ParsePubrecPacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}, nil
		case encoding.PUBREL:
			pkt, err := encoding.ParsePubrelPacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}, nil
		default:
			pkt, err := encoding.ParsePubcompPacket(br, fh)
			if err != nil {
				return nil, err
			}
			return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}, nil
		}
	}

	switch fh.Type {
	case encoding.PUBACK:
		pkt, err := encoding.ParsePubackPacket311(br, fh)
		if err != nil {
			return nil, err
		}
		return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: encoding.ReasonSuccess}, nil
	case encoding.PUBREC:
		pkt, err := encoding.ParsePubrecPacket311(br, fh)
		if err != nil {
			return nil, err
		}
		return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: encoding.ReasonSuccess}, nil
	case encoding.PUBREL:
		pkt, err := encoding.ParsePubrelPacket311(br, fh)
		if err != nil {
			return nil, err
		}
		return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: encoding.ReasonSuccess}, nil
	default:
		pkt, err := encoding.ParsePubcompPacket311(br, fh)
		if err != nil {
			return nil, err
		}
		return &Ack{ack: kind, PacketID: pkt.PacketID, ReasonCode: encoding.ReasonSuccess}, nil
	}
}

func ackKindFor(t encoding.PacketType) Kind {
	switch t {
	case encoding.PUBACK:
		return KindPuback
	case encoding.PUBREC:
		return KindPubrec
	case encoding.PUBREL:
		return KindPubrel
	default:
		return KindPubcomp
	}
}

func fromConnect5(pkt *encoding.ConnectPacket) *Connect {
	return &Connect{
		ProtocolVersion: pkt.ProtocolVersion, ProtocolName: pkt.ProtocolName, CleanStart: pkt.CleanStart,
		WillFlag: pkt.WillFlag, WillQoS: pkt.WillQoS, WillRetain: pkt.WillRetain, WillTopic: pkt.WillTopic,
		WillPayload: pkt.WillPayload, WillProperties: pkt.WillProperties, UsernameFlag: pkt.UsernameFlag,
		Username: pkt.Username, PasswordFlag: pkt.PasswordFlag, Password: pkt.Password, KeepAlive: pkt.KeepAlive,
		ClientID: pkt.ClientID, Properties: pkt.Properties,
	}
}

func fromConnect311(pkt *encoding.ConnectPacket311) *Connect {
	return &Connect{
		ProtocolVersion: pkt.ProtocolVersion, ProtocolName: pkt.ProtocolName, CleanStart: pkt.CleanSession,
		WillFlag: pkt.WillFlag, WillQoS: pkt.WillQoS, WillRetain: pkt.WillRetain, WillTopic: pkt.WillTopic,
		WillPayload: pkt.WillPayload, UsernameFlag: pkt.UsernameFlag, Username: pkt.Username,
		PasswordFlag: pkt.PasswordFlag, Password: pkt.Password, KeepAlive: pkt.KeepAlive, ClientID: pkt.ClientID,
	}
}

// Encode writes a normalized Packet to w using the wire format of the given
// protocol version.
func Encode(w io.Writer, p Packet, version encoding.ProtocolVersion) error {
	v5 := version == encoding.ProtocolVersion50

	switch pkt := p.(type) {
	case *Connect:
		if v5 {
			return (&encoding.ConnectPacket{
				ProtocolName: "MQTT", ProtocolVersion: encoding.ProtocolVersion50, CleanStart: pkt.CleanStart,
				WillFlag: pkt.WillFlag, WillQoS: pkt.WillQoS, WillRetain: pkt.WillRetain, WillTopic: pkt.WillTopic,
				WillPayload: pkt.WillPayload, WillProperties: pkt.WillProperties, UsernameFlag: pkt.UsernameFlag,
				Username: pkt.Username, PasswordFlag: pkt.PasswordFlag, Password: pkt.Password,
				KeepAlive: pkt.KeepAlive, ClientID: pkt.ClientID, Properties: pkt.Properties,
			}).Encode(w)
		}
		return (&encoding.ConnectPacket311{
			ProtocolName: "MQTT", ProtocolVersion: encoding.ProtocolVersion311, CleanSession: pkt.CleanStart,
			WillFlag: pkt.WillFlag, WillQoS: pkt.WillQoS, WillRetain: pkt.WillRetain, WillTopic: pkt.WillTopic,
			WillPayload: pkt.WillPayload, UsernameFlag: pkt.UsernameFlag, Username: pkt.Username,
			PasswordFlag: pkt.PasswordFlag, Password: pkt.Password, KeepAlive: pkt.KeepAlive, ClientID: pkt.ClientID,
		}).Encode(w)

	case *Connack:
		if v5 {
			return (&encoding.ConnackPacket{SessionPresent: pkt.SessionPresent, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}).Encode(w)
		}
		return (&encoding.ConnackPacket311{SessionPresent: pkt.SessionPresent, ReturnCode: connackReturnCode311(pkt.ReasonCode)}).Encode(w)

	case *Publish:
		fh := encoding.FixedHeader{Type: encoding.PUBLISH, DUP: pkt.DUP, QoS: pkt.QoS, Retain: pkt.Retain}
		if v5 {
			return (&encoding.PublishPacket{FixedHeader: fh, TopicName: pkt.TopicName, PacketID: pkt.PacketID, Properties: pkt.Properties, Payload: pkt.Payload}).Encode(w)
		}
		return (&encoding.PublishPacket311{FixedHeader: fh, TopicName: pkt.TopicName, PacketID: pkt.PacketID, Payload: pkt.Payload}).Encode(w)

	case *Ack:
		return encodeAck(w, pkt, v5)

	case *Subscribe:
		if v5 {
			return (&encoding.SubscribePacket{PacketID: pkt.PacketID, Properties: pkt.Properties, Subscriptions: pkt.Subscriptions}).Encode(w)
		}
		subs := make([]encoding.Subscription311, len(pkt.Subscriptions))
		for i, s := range pkt.Subscriptions {
			subs[i] = encoding.Subscription311{TopicFilter: s.TopicFilter, QoS: s.QoS}
		}
		return (&encoding.SubscribePacket311{PacketID: pkt.PacketID, Subscriptions: subs}).Encode(w)

	case *Suback:
		if v5 {
			return (&encoding.SubackPacket{PacketID: pkt.PacketID, Properties: pkt.Properties, ReasonCodes: pkt.ReasonCodes}).Encode(w)
		}
		codes := make([]byte, len(pkt.ReasonCodes))
		for i, rc := range pkt.ReasonCodes {
			codes[i] = byte(rc)
			if rc >= 0x80 {
				// 3.1.1 has a single failure return code.
				codes[i] = 0x80
			}
		}
		return (&encoding.SubackPacket311{PacketID: pkt.PacketID, ReturnCodes: codes}).Encode(w)

	case *Unsubscribe:
		if v5 {
			return (&encoding.UnsubscribePacket{PacketID: pkt.PacketID, Properties: pkt.Properties, TopicFilters: pkt.TopicFilters}).Encode(w)
		}
		return (&encoding.UnsubscribePacket311{PacketID: pkt.PacketID, TopicFilters: pkt.TopicFilters}).Encode(w)

	case *Unsuback:
		if v5 {
			return (&encoding.UnsubackPacket{PacketID: pkt.PacketID, Properties: pkt.Properties, ReasonCodes: pkt.ReasonCodes}).Encode(w)
		}
		return (&encoding.UnsubackPacket311{PacketID: pkt.PacketID}).Encode(w)

	case *Pingreq:
		return (&encoding.PingreqPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGREQ}}).Encode(w)

	case *Pingresp:
		return (&encoding.PingrespPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP}}).Encode(w)

	case *Disconnect:
		if v5 {
			return (&encoding.DisconnectPacket{ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}).Encode(w)
		}
		return (&encoding.DisconnectPacket311{}).Encode(w)

	case *Auth:
		return (&encoding.AuthPacket{ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}).Encode(w)

	default:
		return encoding.ErrInvalidType
	}
}

func encodeAck(w io.Writer, pkt *Ack, v5 bool) error {
	packetType := packetTypeFor(pkt.ack)
	if v5 {
		switch pkt.ack {
		case KindPuback:
			return (&encoding.PubackPacket{PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}).Encode(w)
		case KindPubrec:
			return (&encoding.PubrecPacket{PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}).Encode(w)
		case KindPubrel:
			return (&encoding.PubrelPacket{PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}).Encode(w)
		default:
			return (&encoding.PubcompPacket{PacketID: pkt.PacketID, ReasonCode: pkt.ReasonCode, Properties: pkt.Properties}).Encode(w)
		}
	}
	switch packetType {
	case encoding.PUBACK:
		return (&encoding.PubackPacket311{PacketID: pkt.PacketID}).Encode(w)
	case encoding.PUBREC:
		return (&encoding.PubrecPacket311{PacketID: pkt.PacketID}).Encode(w)
	case encoding.PUBREL:
		return (&encoding.PubrelPacket311{PacketID: pkt.PacketID}).Encode(w)
	default:
		return (&encoding.PubcompPacket311{PacketID: pkt.PacketID}).Encode(w)
	}
}

func packetTypeFor(k Kind) encoding.PacketType {
	switch k {
	case KindPuback:
		return encoding.PUBACK
	case KindPubrec:
		return encoding.PUBREC
	case KindPubrel:
		return encoding.PUBREL
	default:
		return encoding.PUBCOMP
	}
}

// connackReturnCode311 narrows a v5 CONNACK reason code down to the fixed
// set of return codes 3.1.1 defines. Codes with no 3.1.1 equivalent fall
// back to ConnectRefusedServerUnavailable311, the closest generic refusal.
func connackReturnCode311(rc encoding.ReasonCode) byte {
	switch rc {
	case encoding.ReasonSuccess:
		return encoding.ConnectAccepted311
	case encoding.ReasonUnsupportedProtocolVersion:
		return encoding.ConnectRefusedUnacceptableProtocol311
	case encoding.ReasonClientIdentifierNotValid:
		return encoding.ConnectRefusedIdentifierRejected311
	case encoding.ReasonServerUnavailable:
		return encoding.ConnectRefusedServerUnavailable311
	case encoding.ReasonBadUsernameOrPassword:
		return encoding.ConnectRefusedBadUsernamePassword311
	case encoding.ReasonNotAuthorized:
		return encoding.ConnectRefusedNotAuthorized311
	default:
		return encoding.ConnectRefusedServerUnavailable311
	}
}

// NewAck builds an Ack packet of the given kind (KindPuback, KindPubrec,
// KindPubrel or KindPubcomp).
func NewAck(kind Kind, packetID uint16, reasonCode encoding.ReasonCode, props encoding.Properties) *Ack {
	return &Ack{ack: kind, PacketID: packetID, ReasonCode: reasonCode, Properties: props}
}
