package ctapble

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Transport pairs a Link with the Framer/Reassembler to expose the three
// logical operations a CTAP-HID-shaped caller expects: INIT, CBOR, MSG. It
// holds no protocol state across calls beyond the Link itself; BLE framing
// is stateless between requests.
type Transport struct {
	link Link
	log  *logrus.Entry
}

// New wraps link in a Transport. log may be nil, in which case an entry on
// logrus.StandardLogger() is used.
func New(link Link, log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{link: link, log: log}
}

// Do sends payload as cmd and reassembles the reply into out, returning the
// announced reply length. nonce is only consulted for CommandInit.
func (t *Transport) Do(cmd Command, nonce InitNonce, payload []byte, out []byte, timeout time.Duration) (int, error) {
	t.log.WithFields(logrus.Fields{
		"cmd":        cmd,
		"payload_len": len(payload),
	}).Debug("ctapble: dispatching command")

	if err := Send(t.link, cmd, payload); err != nil {
		t.log.WithError(err).Warn("ctapble: send failed")
		return 0, err
	}
	n, err := Recv(t.link, cmd, nonce, out, timeout)
	if err != nil {
		t.log.WithError(err).Warn("ctapble: recv failed")
		return 0, err
	}
	t.log.WithFields(logrus.Fields{
		"cmd":     cmd,
		"reply_len": n,
	}).Debug("ctapble: command complete")
	return n, nil
}
