package kwire

// ProduceRequestPartition carries one partition's already-encoded message
// set; RequestBundler never inspects the bytes, it only groups buffers by
// (topic, partition) in bundler order.
type ProduceRequestPartition struct {
	Partition  int32
	MessageSet []byte
}

type ProduceRequestTopic struct {
	Topic      string
	Partitions []ProduceRequestPartition
}

type ProduceRequest struct {
	RequiredAcks int16
	TimeoutMs    int32
	Topics       []ProduceRequestTopic
}

func (*ProduceRequest) Key() ApiKey            { return ApiProduce }
func (*ProduceRequest) ResponseKind() Response { return new(ProduceResponse) }

func (r *ProduceRequest) AppendTo(dst []byte) []byte {
	dst = appendInt16(dst, r.RequiredAcks)
	dst = appendInt32(dst, r.TimeoutMs)
	dst = appendArrayLen(dst, len(r.Topics))
	for _, t := range r.Topics {
		dst = appendString(dst, t.Topic)
		dst = appendArrayLen(dst, len(t.Partitions))
		for _, p := range t.Partitions {
			dst = appendInt32(dst, p.Partition)
			dst = appendBytes(dst, p.MessageSet)
		}
	}
	return dst
}

type ProduceResponsePartition struct {
	Partition int32
	ErrorCode int16
	Offset    int64
}

type ProduceResponseTopic struct {
	Topic      string
	Partitions []ProduceResponsePartition
}

type ProduceResponse struct {
	Topics []ProduceResponseTopic
}

func (*ProduceResponse) Key() ApiKey { return ApiProduce }

func (r *ProduceResponse) ReadFrom(src []byte) error {
	d := newDecoder(src)

	nt := d.arrayLen()
	r.Topics = make([]ProduceResponseTopic, 0, nt)
	for i := int32(0); i < nt; i++ {
		topic := ProduceResponseTopic{Topic: d.str()}
		np := d.arrayLen()
		topic.Partitions = make([]ProduceResponsePartition, 0, np)
		for j := int32(0); j < np; j++ {
			topic.Partitions = append(topic.Partitions, ProduceResponsePartition{
				Partition: d.i32(),
				ErrorCode: d.i16(),
				Offset:    d.i64(),
			})
		}
		r.Topics = append(r.Topics, topic)
	}

	return d.done()
}
