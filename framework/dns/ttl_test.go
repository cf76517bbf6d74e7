package dns

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/foxcpp/mailout/framework/log"
	"github.com/miekg/dns"
)

type TestSrvAction int

const (
	TestSrvTimeout TestSrvAction = iota
	TestSrvServfail
	TestSrvNoAddr
	TestSrvOk
)

func (a TestSrvAction) String() string {
	switch a {
	case TestSrvTimeout:
		return "SrvTimeout"
	case TestSrvServfail:
		return "SrvServfail"
	case TestSrvNoAddr:
		return "SrvNoAddr"
	case TestSrvOk:
		return "SrvOk"
	default:
		panic("wtf action")
	}
}

type lookupTestServer struct {
	udpServ    dns.Server
	aAction    TestSrvAction
	aTTL       uint32
	aaaaAction TestSrvAction
	aaaaTTL    uint32
	mxAction   TestSrvAction
	mxTTL      uint32
}

func (s *lookupTestServer) Run() {
	pconn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	s.udpServ.PacketConn = pconn
	s.udpServ.Handler = s
	go s.udpServ.ActivateAndServe() //nolint:errcheck
}

func (s *lookupTestServer) Close() {
	s.udpServ.PacketConn.Close()
}

func (s *lookupTestServer) Addr() *net.UDPAddr {
	return s.udpServ.PacketConn.LocalAddr().(*net.UDPAddr)
}

func (s *lookupTestServer) ServeDNS(w dns.ResponseWriter, m *dns.Msg) {
	q := m.Question[0]

	var act TestSrvAction
	switch q.Qtype {
	case dns.TypeA:
		act = s.aAction
	case dns.TypeAAAA:
		act = s.aaaaAction
	case dns.TypeMX:
		act = s.mxAction
	default:
		panic("wtf qtype")
	}

	reply := new(dns.Msg)
	reply.SetReply(m)
	reply.RecursionAvailable = true

	switch act {
	case TestSrvTimeout:
		return // no nobody heard from him since...
	case TestSrvServfail:
		reply.Rcode = dns.RcodeServerFailure
	case TestSrvNoAddr:
	case TestSrvOk:
		switch q.Qtype {
		case dns.TypeA:
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    s.aTTL,
				},
				A: net.ParseIP("127.0.0.1"),
			})
		case dns.TypeAAAA:
			reply.Answer = append(reply.Answer, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeAAAA,
					Class:  dns.ClassINET,
					Ttl:    s.aaaaTTL,
				},
				AAAA: net.ParseIP("::1"),
			})
		case dns.TypeMX:
			reply.Answer = append(reply.Answer,
				&dns.MX{
					Hdr: dns.RR_Header{
						Name:   q.Name,
						Rrtype: dns.TypeMX,
						Class:  dns.ClassINET,
						Ttl:    s.mxTTL,
					},
					Preference: 10,
					Mx:         "mx1.mailout.test.",
				},
				&dns.MX{
					Hdr: dns.RR_Header{
						Name:   q.Name,
						Rrtype: dns.TypeMX,
						Class:  dns.ClassINET,
						Ttl:    s.mxTTL + 100,
					},
					Preference: 20,
					Mx:         "mx2.mailout.test.",
				})
		}
	}

	if err := w.WriteMsg(reply); err != nil {
		panic(err)
	}
}

func testResolver(s *lookupTestServer) TTLResolver {
	res := TTLResolver{
		cl: new(dns.Client),
		Cfg: &dns.ClientConfig{
			Servers: []string{"127.0.0.1"},
			Port:    strconv.Itoa(s.Addr().Port),
			Timeout: 1,
		},
	}
	res.cl.Dialer = &net.Dialer{
		Timeout: 500 * time.Millisecond,
	}
	return res
}

func TestTTLResolver_LookupIPAddr(t *testing.T) {
	// LookupIPAddr has a rather convoluted logic for combined A/AAAA
	// lookups that return the best-effort result.

	// Silence log messages about disregarded I/O errors.
	log.DefaultLogger.Out = nil

	test := func(aAct, aaaaAct TestSrvAction, addrs []net.IP, ttl time.Duration, err bool) {
		t.Helper()
		t.Run(fmt.Sprintln(aAct, aaaaAct), func(t *testing.T) {
			t.Helper()

			s := lookupTestServer{}
			s.aAction = aAct
			s.aTTL = 300
			s.aaaaAction = aaaaAct
			s.aaaaTTL = 60
			s.Run()
			defer s.Close()
			res := testResolver(&s)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			actualAddrs, actualTTL, actualErr := res.LookupIPAddr(ctx, "mailout.test")
			if (actualErr != nil) != err {
				t.Fatal("actualErr:", actualErr, "expectedErr:", err)
			}
			if actualErr == nil && actualTTL != ttl {
				t.Error("actualTTL:", actualTTL, "expectedTTL:", ttl)
			}
			ipAddrs := make([]net.IPAddr, 0, len(addrs))
			if len(addrs) == 0 {
				ipAddrs = nil // lookup returns nil addrs for error cases
			}
			for _, a := range addrs {
				ipAddrs = append(ipAddrs, net.IPAddr{IP: a, Zone: ""})
			}
			if !reflect.DeepEqual(actualAddrs, ipAddrs) {
				t.Logf("actualAddrs: %#+v", actualAddrs)
				t.Logf("addrs: %#+v", ipAddrs)
				t.Fail()
			}
		})
	}

	test(TestSrvOk, TestSrvOk, []net.IP{net.ParseIP("::1"), net.ParseIP("127.0.0.1").To4()}, 60*time.Second, false)
	test(TestSrvOk, TestSrvTimeout, []net.IP{net.ParseIP("127.0.0.1").To4()}, 300*time.Second, false)
	test(TestSrvOk, TestSrvServfail, []net.IP{net.ParseIP("127.0.0.1").To4()}, 300*time.Second, false)
	test(TestSrvOk, TestSrvNoAddr, []net.IP{net.ParseIP("127.0.0.1").To4()}, 300*time.Second, false)
	test(TestSrvNoAddr, TestSrvOk, []net.IP{net.ParseIP("::1")}, 60*time.Second, false)
	test(TestSrvTimeout, TestSrvOk, []net.IP{net.ParseIP("::1")}, 60*time.Second, false)
	test(TestSrvServfail, TestSrvOk, []net.IP{net.ParseIP("::1")}, 60*time.Second, false)
	test(TestSrvServfail, TestSrvServfail, nil, 0, true)
	test(TestSrvNoAddr, TestSrvNoAddr, nil, 0, false)
}

func TestTTLResolver_LookupMX(t *testing.T) {
	s := lookupTestServer{mxAction: TestSrvOk, mxTTL: 120}
	s.Run()
	defer s.Close()
	res := testResolver(&s)

	mxs, ttl, err := res.LookupMX(context.Background(), "mailout.test")
	if err != nil {
		t.Fatal(err)
	}
	if len(mxs) != 2 {
		t.Fatal("expected 2 MX records, got", len(mxs))
	}
	if mxs[0].Host != "mx1.mailout.test." || mxs[0].Pref != 10 {
		t.Errorf("wrong first MX: %+v", mxs[0])
	}
	// Smallest TTL of the answer wins.
	if ttl != 120*time.Second {
		t.Error("actualTTL:", ttl, "expectedTTL:", 120*time.Second)
	}
}

func TestTTLResolver_LookupMX_RCode(t *testing.T) {
	test := func(act TestSrvAction, temporary, notFound bool) {
		t.Helper()
		t.Run(act.String(), func(t *testing.T) {
			s := lookupTestServer{mxAction: act}
			s.Run()
			defer s.Close()
			res := testResolver(&s)

			mxs, _, err := res.LookupMX(context.Background(), "mailout.test")
			if act == TestSrvNoAddr {
				// NODATA is not an error.
				if err != nil {
					t.Fatal(err)
				}
				if len(mxs) != 0 {
					t.Fatal("expected no MX records, got", len(mxs))
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			rcodeErr, ok := err.(RCodeError)
			if !ok {
				t.Fatalf("not a RCodeError: %T", err)
			}
			if rcodeErr.Temporary() != temporary {
				t.Error("Temporary():", rcodeErr.Temporary(), "expected:", temporary)
			}
			if IsNotFound(err) != notFound {
				t.Error("IsNotFound:", IsNotFound(err), "expected:", notFound)
			}
		})
	}

	test(TestSrvServfail, true, false)
	test(TestSrvNoAddr, false, false)
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(RCodeError{Name: "mailout.test.", Code: dns.RcodeNameError}) {
		t.Error("NXDOMAIN should be reported as not found")
	}
	if IsNotFound(RCodeError{Name: "mailout.test.", Code: dns.RcodeServerFailure}) {
		t.Error("SERVFAIL should not be reported as not found")
	}
	if !IsNotFound(&net.DNSError{IsNotFound: true}) {
		t.Error("net.DNSError with IsNotFound should be reported as not found")
	}
}
