package protocol

import (
	"testing"

	gc "gopkg.in/check.v1"
)

type TopicSuite struct{}

func (s *TopicSuite) TestSpecValidationCases(c *gc.C) {
	var cases = []struct {
		spec   TopicSpec
		expect string
	}{
		{TopicSpec{"test_topic", 3, 3, 2}, ""}, // Success.
		{TopicSpec{"a.b-c_D9", 1, 1, 1}, ""},   // Success.
		{TopicSpec{"", 3, 3, 2}, `Name: invalid length \(0; .*`},
		{TopicSpec{"a/b", 3, 3, 2}, `Name: not a valid token \(a/b\)`},
		{TopicSpec{"..", 3, 3, 2}, `Name: reserved name \(..\)`},
		{TopicSpec{"tópico", 3, 3, 2}, `Name: not a valid token .*`},
		{TopicSpec{"t", 0, 3, 2}, `invalid Partitions \(0; expected >= 1\)`},
		{TopicSpec{"t", 3, 0, 1}, `invalid ReplicationFactor \(0; expected >= 1\)`},
		{TopicSpec{"t", 3, 3, 4}, `invalid MinInsyncReplicas \(4; expected 1 <= MinInsyncReplicas <= 3\)`},
		{TopicSpec{"t", 3, 3, 0}, `invalid MinInsyncReplicas \(0; .*`},
	}
	for _, tc := range cases {
		if tc.expect == "" {
			c.Check(tc.spec.Validate(), gc.IsNil)
		} else {
			c.Check(tc.spec.Validate(), gc.ErrorMatches, tc.expect)
		}
	}
}

func (s *TopicSuite) TestParseTopicConfig(c *gc.C) {
	var spec, err = ParseTopicConfig("test_topic", map[string]string{
		"partitions":          "3",
		"replication-factor":  "3",
		"min.insync.replicas": "2",
	})
	c.Check(err, gc.IsNil)
	c.Check(spec, gc.DeepEquals, TopicSpec{"test_topic", 3, 3, 2})

	spec, err = ParseTopicConfig("other", nil)
	c.Check(err, gc.IsNil)
	c.Check(spec, gc.DeepEquals, TopicSpec{"other", 1, 1, 1})

	_, err = ParseTopicConfig("t", map[string]string{"partitions": "many"})
	c.Check(err, gc.ErrorMatches, `partitions: not an integer \("many"\)`)
	_, err = ParseTopicConfig("t", map[string]string{"retention.ms": "10"})
	c.Check(err, gc.ErrorMatches, `unknown topic configuration \(retention.ms\)`)
	_, err = ParseTopicConfig("t", map[string]string{"min.insync.replicas": "2"})
	c.Check(err, gc.ErrorMatches, `invalid MinInsyncReplicas .*`)
}

func (s *TopicSuite) TestAssignReplicas(c *gc.C) {
	var a, err = AssignReplicas([]int32{3, 1, 2}, 3, 3)
	c.Check(err, gc.IsNil)
	c.Check(a, gc.DeepEquals, Assignment{{1, 2, 3}, {2, 3, 1}, {3, 1, 2}})
	c.Check(a.Validate(TopicSpec{"t", 3, 3, 2}), gc.IsNil)

	a, err = AssignReplicas([]int32{1, 2, 3}, 4, 2)
	c.Check(err, gc.IsNil)
	c.Check(a, gc.DeepEquals, Assignment{{1, 2}, {2, 3}, {3, 1}, {1, 2}})

	_, err = AssignReplicas([]int32{1, 2}, 3, 3)
	c.Check(err, gc.ErrorMatches, `replication factor 3 exceeds available brokers \(2\)`)

	c.Check(Assignment{{1, 2}, {2, 2}}.Validate(TopicSpec{"t", 2, 2, 1}),
		gc.ErrorMatches, `Assignment\[1\]: duplicate replica \(2\)`)
	c.Check(Assignment{{1, 2}}.Validate(TopicSpec{"t", 2, 2, 1}),
		gc.ErrorMatches, `expected 2 partitions \(got 1\)`)
	c.Check(Assignment{{1, 2}, {1}}.Validate(TopicSpec{"t", 2, 2, 1}),
		gc.ErrorMatches, `Assignment\[1\]: expected 2 replicas \(got 1\)`)
}

type SecuritySuite struct{}

func (s *SecuritySuite) TestParseAndPredicates(c *gc.C) {
	var cases = []struct {
		in        string
		expect    SecurityProtocol
		tls, sasl bool
	}{
		{"PLAINTEXT", Plaintext, false, false},
		{"ssl", SSL, true, false},
		{" Sasl_Plaintext ", SASLPlaintext, false, true},
		{"SASL_SSL", SASLSSL, true, true},
	}
	for _, tc := range cases {
		var p, err = ParseSecurityProtocol(tc.in)
		c.Check(err, gc.IsNil)
		c.Check(p, gc.Equals, tc.expect)
		c.Check(p.UsesTLS(), gc.Equals, tc.tls)
		c.Check(p.UsesSASL(), gc.Equals, tc.sasl)
	}
	var _, err = ParseSecurityProtocol("KERBEROS")
	c.Check(err, gc.ErrorMatches, `unknown security protocol \("KERBEROS"\)`)

	var p SecurityProtocol
	c.Check(p.UnmarshalFlag("sasl_ssl"), gc.IsNil)
	c.Check(p, gc.Equals, SASLSSL)

	var m Mechanism
	c.Check(m.UnmarshalFlag("scram-sha-512"), gc.IsNil)
	c.Check(m, gc.Equals, MechanismSCRAMSHA512)
	c.Check(m.IsSCRAM(), gc.Equals, true)
	c.Check(m.UnmarshalFlag("GSSAPI"), gc.ErrorMatches, `unsupported SASL mechanism \("GSSAPI"\)`)
}

type StateSuite struct{}

func (s *StateSuite) TestEpochRendering(c *gc.C) {
	var e = Epoch{Partition: 2, Epoch: 7}
	c.Check(e.String(), gc.Equals, "Epoch{partitionId=2, epoch=7}")
	c.Check(e == Epoch{Partition: 2, Epoch: 7}, gc.Equals, true)
	c.Check(e == Epoch{Partition: 2, Epoch: 8}, gc.Equals, false)
	c.Check(Epoch{Partition: -1}.Validate(), gc.ErrorMatches, `invalid Partition .*`)
}

func (s *StateSuite) TestBrokerSpecValidation(c *gc.C) {
	var spec = BrokerSpec{
		ID:   1,
		Name: "brave-otter",
		Listeners: []Listener{
			{Protocol: Plaintext, Host: "127.0.0.1", Port: 9092},
			{Protocol: SASLSSL, Host: "127.0.0.1", Port: 9093},
		},
		InterBrokerProtocol: SASLSSL,
	}
	c.Check(spec.Validate(), gc.IsNil)

	var l, ok = spec.Listener(SASLSSL)
	c.Check(ok, gc.Equals, true)
	c.Check(l.Address(), gc.Equals, "127.0.0.1:9093")
	_, ok = spec.Listener(SSL)
	c.Check(ok, gc.Equals, false)

	spec.InterBrokerProtocol = SSL
	c.Check(spec.Validate(), gc.ErrorMatches, `InterBrokerProtocol SSL has no Listener`)
	spec.InterBrokerProtocol = SASLSSL

	spec.Listeners[1].Protocol = Plaintext
	c.Check(spec.Validate(), gc.ErrorMatches, `Listeners\[1\]: duplicate protocol \(PLAINTEXT\)`)
	spec.Listeners[1] = Listener{Protocol: SASLSSL, Host: "", Port: 9093}
	c.Check(spec.Validate(), gc.ErrorMatches, `Listeners\[1\]: expected Host`)
}

func (s *StateSuite) TestPartitionStateValidation(c *gc.C) {
	var st = PartitionState{Leader: 2, LeaderEpoch: 3, ISR: []int32{1, 2}}
	c.Check(st.Validate(), gc.IsNil)
	c.Check(st.InISR(1), gc.Equals, true)
	c.Check(st.InISR(3), gc.Equals, false)

	st.Leader = 3
	c.Check(st.Validate(), gc.ErrorMatches, `Leader 3 is not in ISR \[1 2\]`)
	st.Leader = NoLeader
	c.Check(st.Validate(), gc.IsNil)
	st.ISR = []int32{1, 1}
	c.Check(st.Validate(), gc.ErrorMatches, `ISR: duplicate replica \(1\)`)
}

func (s *StateSuite) TestValueCodecRoundTrip(c *gc.C) {
	var in = TopicAssignment{
		TopicSpec:  TopicSpec{"test_topic", 2, 2, 1},
		ID:         "2e0c6b9d",
		Assignment: Assignment{{1, 2}, {2, 1}},
	}
	var enc, err = EncodeValue(in)
	c.Check(err, gc.IsNil)
	c.Check(enc, gc.Matches, `(?s)name: test_topic\npartitions: 2\n.*assignment:\n.*`)

	var out TopicAssignment
	c.Check(DecodeValue([]byte(enc), &out), gc.IsNil)
	c.Check(out, gc.DeepEquals, in)

	c.Check(DecodeValue([]byte("name: t\nbogus: 1\n"), &out), gc.ErrorMatches, `(?s)decoding value: .*`)
	c.Check(DecodeValue([]byte("leader: 5\nisr: [1]\n"), new(PartitionState)),
		gc.ErrorMatches, `Leader 5 is not in ISR \[1\]`)

	_, err = EncodeValue(PartitionState{Leader: 1})
	c.Check(err, gc.ErrorMatches, `Leader 1 is not in ISR \[\]`)
}

func (s *StateSuite) TestKeys(c *gc.C) {
	const root = "/rollsec/cluster"

	c.Check(BrokerKey(root, 3), gc.Equals, "/rollsec/cluster/brokers/3")
	c.Check(TopicKey(root, "test_topic"), gc.Equals, "/rollsec/cluster/topics/test_topic")
	c.Check(PartitionKey(root, "test_topic", 2), gc.Equals, "/rollsec/cluster/partitions/test_topic/0002")
	c.Check(OffsetKey(root, "group", "test_topic", 12), gc.Equals, "/rollsec/cluster/offsets/group/test_topic/0012")

	c.Check(GroupOffsetsPrefix(root, "group"), gc.Equals, "/rollsec/cluster/offsets/group/")

	var id, err = ParseBrokerKey(root, BrokerKey(root, 3))
	c.Check(err, gc.IsNil)
	c.Check(id, gc.Equals, int32(3))

	name, err := ParseTopicKey(root, TopicKey(root, "test_topic"))
	c.Check(err, gc.IsNil)
	c.Check(name, gc.Equals, "test_topic")

	topic, part, err := ParsePartitionKey(root, PartitionKey(root, "a.b", 11))
	c.Check(err, gc.IsNil)
	c.Check(topic, gc.Equals, "a.b")
	c.Check(part, gc.Equals, int32(11))

	topic, part, err = ParseOffsetKey(root, "group", OffsetKey(root, "group", "test_topic", 7))
	c.Check(err, gc.IsNil)
	c.Check(topic, gc.Equals, "test_topic")
	c.Check(part, gc.Equals, int32(7))
	_, _, err = ParseOffsetKey(root, "other", OffsetKey(root, "group", "test_topic", 7))
	c.Check(err, gc.ErrorMatches, `key .* is not under /rollsec/cluster/offsets/other/`)

	_, err = ParseBrokerKey(root, "/rollsec/other/brokers/3")
	c.Check(err, gc.ErrorMatches, `key .* is not under /rollsec/cluster/brokers/`)
	_, _, err = ParsePartitionKey(root, "/rollsec/cluster/partitions/t")
	c.Check(err, gc.ErrorMatches, `invalid partition key .*`)
}

var (
	_ = gc.Suite(&TopicSuite{})
	_ = gc.Suite(&SecuritySuite{})
	_ = gc.Suite(&StateSuite{})
)

func Test(t *testing.T) { gc.TestingT(t) }
