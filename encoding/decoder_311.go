package encoding

import "io"

// MQTT 3.1.1 Packet Decoders
//
// These mirror the Parse* functions in packets_mqtt5.go but omit the
// properties section, which does not exist on the wire before v5.

// ParseConnectPacket311 parses an MQTT 3.1.1 CONNECT packet
func ParseConnectPacket311(r io.Reader, fh *FixedHeader) (*ConnectPacket311, error) {
	pkt := &ConnectPacket311{FixedHeader: *fh}

	protocolName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = protocolName
	if protocolName != "MQTT" && protocolName != "MQIsdp" {
		return nil, ErrInvalidProtocolName
	}

	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolVersion = ProtocolVersion(version)
	if pkt.ProtocolVersion != ProtocolVersion311 {
		return nil, ErrInvalidProtocolVersion
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.CleanSession = (flags & 0x02) != 0
	pkt.WillFlag = (flags & 0x04) != 0
	pkt.WillQoS = QoS((flags & 0x18) >> 3)
	pkt.WillRetain = (flags & 0x20) != 0
	pkt.PasswordFlag = (flags & 0x40) != 0
	pkt.UsernameFlag = (flags & 0x80) != 0

	if (flags & 0x01) != 0 {
		return nil, ErrMalformedPacket
	}
	if !pkt.WillFlag && (pkt.WillQoS != QoS0 || pkt.WillRetain) {
		return nil, ErrWillFlagMismatch
	}
	if pkt.PasswordFlag && !pkt.UsernameFlag {
		return nil, ErrPasswordWithoutUsername
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		willPayload, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameFlag {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordFlag {
		password, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

// ParseConnackPacket311 parses an MQTT 3.1.1 CONNACK packet
func ParseConnackPacket311(r io.Reader, fh *FixedHeader) (*ConnackPacket311, error) {
	pkt := &ConnackPacket311{FixedHeader: *fh}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.SessionPresent = (flags & 0x01) != 0

	returnCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReturnCode = returnCode

	return pkt, nil
}

// ParsePublishPacket311 parses an MQTT 3.1.1 PUBLISH packet
func ParsePublishPacket311(r io.Reader, fh *FixedHeader) (*PublishPacket311, error) {
	pkt := &PublishPacket311{FixedHeader: *fh}

	topicName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topicName
	if err := ValidateTopicName(topicName); err != nil {
		return nil, err
	}

	headerSize := 2 + len(topicName)

	if fh.QoS > QoS0 {
		packetID, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		if packetID == 0 {
			return nil, ErrInvalidPacketIDZero
		}
		pkt.PacketID = packetID
		headerSize += 2
	}

	payloadLength := int(fh.RemainingLength) - headerSize
	if payloadLength < 0 {
		return nil, ErrInvalidRemainingLength
	}
	if payloadLength > 0 {
		payload := make([]byte, payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
		pkt.Payload = payload
	}

	return pkt, nil
}

// ParsePubackPacket311 parses an MQTT 3.1.1 PUBACK packet
func ParsePubackPacket311(r io.Reader, fh *FixedHeader) (*PubackPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubackPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubrecPacket311 parses an MQTT 3.1.1 PUBREC packet
func ParsePubrecPacket311(r io.Reader, fh *FixedHeader) (*PubrecPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubrelPacket311 parses an MQTT 3.1.1 PUBREL packet
func ParsePubrelPacket311(r io.Reader, fh *FixedHeader) (*PubrelPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParsePubcompPacket311 parses an MQTT 3.1.1 PUBCOMP packet
func ParsePubcompPacket311(r io.Reader, fh *FixedHeader) (*PubcompPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParseSubscribePacket311 parses an MQTT 3.1.1 SUBSCRIBE packet
func ParseSubscribePacket311(r io.Reader, fh *FixedHeader) (*SubscribePacket311, error) {
	pkt := &SubscribePacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	bytesRead := 2
	pkt.Subscriptions = make([]Subscription311, 0, 2)

	for bytesRead < int(fh.RemainingLength) {
		topicFilter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		bytesRead += 2 + len(topicFilter)

		qosByte, err := readByte(r)
		if err != nil {
			return nil, err
		}
		bytesRead++

		if (qosByte & 0xFC) != 0 {
			return nil, ErrInvalidSubscriptionOpts
		}

		pkt.Subscriptions = append(pkt.Subscriptions, Subscription311{
			TopicFilter: topicFilter,
			QoS:         QoS(qosByte),
		})
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, ErrEmptySubscriptionList
	}

	return pkt, nil
}

// ParseSubackPacket311 parses an MQTT 3.1.1 SUBACK packet
func ParseSubackPacket311(r io.Reader, fh *FixedHeader) (*SubackPacket311, error) {
	pkt := &SubackPacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	count := int(fh.RemainingLength) - 2
	if count < 0 {
		return nil, ErrInvalidRemainingLength
	}
	codes := make([]byte, count)
	if count > 0 {
		if _, err := io.ReadFull(r, codes); err != nil {
			if err == io.EOF {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	pkt.ReturnCodes = codes

	return pkt, nil
}

// ParseUnsubscribePacket311 parses an MQTT 3.1.1 UNSUBSCRIBE packet
func ParseUnsubscribePacket311(r io.Reader, fh *FixedHeader) (*UnsubscribePacket311, error) {
	pkt := &UnsubscribePacket311{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	bytesRead := 2
	pkt.TopicFilters = make([]string, 0, 2)

	for bytesRead < int(fh.RemainingLength) {
		topicFilter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		bytesRead += 2 + len(topicFilter)
		pkt.TopicFilters = append(pkt.TopicFilters, topicFilter)
	}

	if len(pkt.TopicFilters) == 0 {
		return nil, ErrEmptyUnsubscribeList
	}

	return pkt, nil
}

// ParseUnsubackPacket311 parses an MQTT 3.1.1 UNSUBACK packet
func ParseUnsubackPacket311(r io.Reader, fh *FixedHeader) (*UnsubackPacket311, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &UnsubackPacket311{FixedHeader: *fh, PacketID: packetID}, nil
}

// ParseDisconnectPacket311 parses an MQTT 3.1.1 DISCONNECT packet (no variable header or payload)
func ParseDisconnectPacket311(fh *FixedHeader) (*DisconnectPacket311, error) {
	return &DisconnectPacket311{FixedHeader: *fh}, nil
}

// ParsePingreqPacket311 parses an MQTT 3.1.1 PINGREQ packet
func ParsePingreqPacket311(fh *FixedHeader) (*PingreqPacket, error) {
	return &PingreqPacket{FixedHeader: *fh}, nil
}

// ParsePingrespPacket311 parses an MQTT 3.1.1 PINGRESP packet
func ParsePingrespPacket311(fh *FixedHeader) (*PingrespPacket, error) {
	return &PingrespPacket{FixedHeader: *fh}, nil
}
