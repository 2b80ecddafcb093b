package issuance

import (
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

// startTXTServer runs a loopback DNS server that answers TXT queries
// from the fake zone service, and returns its address for use as a
// resolver. This is what challenge verification sees as "the public
// DNS".
func startTXTServer(t *testing.T, zones *fakeDNS) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeTXT {
				name := strings.TrimSuffix(r.Question[0].Name, ".")
				for _, v := range zones.lookupTXT(name) {
					m.Answer = append(m.Answer, &dns.TXT{
						Hdr: dns.RR_Header{
							Name:   r.Question[0].Name,
							Rrtype: dns.TypeTXT,
							Class:  dns.ClassINET,
							Ttl:    60,
						},
						Txt: []string{v},
					})
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})
	return pc.LocalAddr().String()
}
