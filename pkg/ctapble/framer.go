package ctapble

// Send fragments payload across one or more control-point writes on l and
// transmits it as the given logical command. CommandInit never touches the
// wire: the INIT response is synthesized entirely by Recv.
func Send(l Link, cmd Command, payload []byte) error {
	switch cmd {
	case CommandInit:
		return nil
	case CommandCBOR, CommandMSG:
		return fragmentTX(l, cmdMsg, payload)
	default:
		return Errorf(KindInternalError, "ctapble.Send", "unsupported command %d", cmd)
	}
}

func fragmentTX(l Link, cmd byte, payload []byte) error {
	m := int(l.ControlPointSize())
	if m <= initHeaderLen {
		return Errorf(KindIOError, "ctapble.Send", "control point size %d too small for framing", m)
	}

	frame := make([]byte, m)
	defer zeroBytes(frame)

	total := len(payload)
	frame[0] = cmd
	frame[1] = byte(total >> 8)
	frame[2] = byte(total)

	maxInit := m - initHeaderLen
	n := total
	if n > maxInit {
		n = maxInit
	}
	copy(frame[initHeaderLen:initHeaderLen+n], payload[:n])
	if err := l.Write(frame[:initHeaderLen+n]); err != nil {
		return NewError(KindIOError, "ctapble.Send", err)
	}

	sent := n
	seq := byte(0)
	maxCont := m - contHeaderLen
	for sent < total {
		n = total - sent
		if n > maxCont {
			n = maxCont
		}
		frame[0] = seq
		copy(frame[contHeaderLen:contHeaderLen+n], payload[sent:sent+n])
		if err := l.Write(frame[:contHeaderLen+n]); err != nil {
			return NewError(KindIOError, "ctapble.Send", err)
		}
		sent += n
		seq = (seq + 1) & seqMask
	}
	return nil
}
