package bloom

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrSizeMismatch indica tentativa de união entre filtros de tamanhos diferentes
var ErrSizeMismatch = errors.New("bloom: filters have different sizes")

// Filter implementa um bloom filter determinístico e serializável
// Sem falsos negativos; taxa de falsos positivos limitada pela configuração
// Não é seguro para mutação concorrente: filtros são construídos e depois lidos
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes int
}

// New cria um filtro dimensionado para n itens com taxa de falso positivo p
// numBits = ceil(-n*ln(p) / (ln2)^2); numHashes = ceil(numBits/n * ln2)
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	n := float64(expectedItems)
	ln2 := math.Ln2

	numBits := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (ln2 * ln2)))
	if numBits < 64 {
		numBits = 64
	}

	numHashes := int(math.Ceil(float64(numBits) / n * ln2))
	if numHashes < 1 {
		numHashes = 1
	}

	return &Filter{
		bits:      make([]uint64, (numBits+63)/64),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// NumBits retorna o tamanho do array de bits
func (f *Filter) NumBits() uint64 { return f.numBits }

// NumHashes retorna o número de funções de hash
func (f *Filter) NumHashes() int { return f.numHashes }

// Add insere um item no filtro
func (f *Filter) Add(item string) {
	for i := 0; i < f.numHashes; i++ {
		idx := f.hash(item, i) % f.numBits
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// Contains testa a pertinência de um item
// Sempre true para itens adicionados; pode ser true para itens ausentes
func (f *Filter) Contains(item string) bool {
	for i := 0; i < f.numHashes; i++ {
		idx := f.hash(item, i) % f.numBits
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Union incorpora os itens de outro filtro de mesmo tamanho
func (f *Filter) Union(other *Filter) error {
	if other == nil || f.numBits != other.numBits || f.numHashes != other.numHashes {
		return ErrSizeMismatch
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	return nil
}

// hash deriva o i-ésimo valor de hash de um item
// sha256 sobre "indice:item" mantém o filtro portável entre processos
func (f *Filter) hash(item string, index int) uint64 {
	sum := sha256.Sum256([]byte(strconv.Itoa(index) + ":" + item))
	return binary.LittleEndian.Uint64(sum[:8])
}

// envelope é o formato de serialização do filtro
type envelope struct {
	NumBits   uint64 `json:"numBits"`
	NumHashes int    `json:"numHashes"`
	Bits      string `json:"bits"`
}

// Serialize codifica o filtro; o round-trip preserva a pertinência exata
func (f *Filter) Serialize() ([]byte, error) {
	raw := make([]byte, len(f.bits)*8)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(raw[i*8:], word)
	}

	return json.Marshal(envelope{
		NumBits:   f.numBits,
		NumHashes: f.numHashes,
		Bits:      base64.StdEncoding.EncodeToString(raw),
	})
}

// Deserialize reconstrói um filtro serializado
func Deserialize(data []byte) (*Filter, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("bloom: invalid envelope: %w", err)
	}
	if env.NumBits == 0 || env.NumHashes < 1 {
		return nil, fmt.Errorf("bloom: invalid envelope: numBits=%d numHashes=%d", env.NumBits, env.NumHashes)
	}

	raw, err := base64.StdEncoding.DecodeString(env.Bits)
	if err != nil {
		return nil, fmt.Errorf("bloom: invalid bit array: %w", err)
	}
	if uint64(len(raw)) != (env.NumBits+63)/64*8 {
		return nil, fmt.Errorf("bloom: bit array length mismatch")
	}

	bits := make([]uint64, len(raw)/8)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}

	return &Filter{
		bits:      bits,
		numBits:   env.NumBits,
		numHashes: env.NumHashes,
	}, nil
}
