package kwire

// MetadataRequest asks for the current broker list and, when Topics is
// non-empty, the partition/leader layout for those topics. An empty Topics
// list is the convention this codec uses for "all topics"; the metadata
// refresh path always sends an empty list, so every refresh fetches the
// layout of all topics.
type MetadataRequest struct {
	Topics []string
}

func (*MetadataRequest) Key() ApiKey             { return ApiMetadata }
func (*MetadataRequest) ResponseKind() Response  { return new(MetadataResponse) }

func (r *MetadataRequest) AppendTo(dst []byte) []byte {
	dst = appendArrayLen(dst, len(r.Topics))
	for _, t := range r.Topics {
		dst = appendString(dst, t)
	}
	return dst
}

type MetadataResponseBroker struct {
	NodeID int32
	Host   string
	Port   int32
}

type MetadataResponsePartition struct {
	ErrorCode int16
	Partition int32
	Leader    int32
	Replicas  []int32
	Isr       []int32
}

type MetadataResponseTopic struct {
	ErrorCode  int16
	Topic      string
	Partitions []MetadataResponsePartition
}

type MetadataResponse struct {
	Brokers []MetadataResponseBroker
	Topics  []MetadataResponseTopic
}

func (*MetadataResponse) Key() ApiKey { return ApiMetadata }

func (r *MetadataResponse) ReadFrom(src []byte) error {
	d := newDecoder(src)

	nb := d.arrayLen()
	r.Brokers = make([]MetadataResponseBroker, 0, nb)
	for i := int32(0); i < nb; i++ {
		r.Brokers = append(r.Brokers, MetadataResponseBroker{
			NodeID: d.i32(),
			Host:   d.str(),
			Port:   d.i32(),
		})
	}

	nt := d.arrayLen()
	r.Topics = make([]MetadataResponseTopic, 0, nt)
	for i := int32(0); i < nt; i++ {
		topic := MetadataResponseTopic{
			ErrorCode: d.i16(),
			Topic:     d.str(),
		}
		np := d.arrayLen()
		topic.Partitions = make([]MetadataResponsePartition, 0, np)
		for j := int32(0); j < np; j++ {
			part := MetadataResponsePartition{
				ErrorCode: d.i16(),
				Partition: d.i32(),
				Leader:    d.i32(),
			}
			nr := d.arrayLen()
			for k := int32(0); k < nr; k++ {
				part.Replicas = append(part.Replicas, d.i32())
			}
			ni := d.arrayLen()
			for k := int32(0); k < ni; k++ {
				part.Isr = append(part.Isr, d.i32())
			}
			topic.Partitions = append(topic.Partitions, part)
		}
		r.Topics = append(r.Topics, topic)
	}

	return d.done()
}
