package keywords

var englishStopwords = []string{
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and",
	"any", "are", "as", "at", "be", "because", "been", "before", "being", "below",
	"between", "both", "but", "by", "can", "could", "did", "do", "does", "doing",
	"down", "during", "each", "few", "for", "from", "further", "had", "has", "have",
	"having", "he", "her", "here", "hers", "herself", "him", "himself", "his", "how",
	"i", "if", "in", "into", "is", "it", "its", "itself", "just", "me", "more",
	"most", "my", "myself", "no", "nor", "not", "now", "of", "off", "on", "once",
	"only", "or", "other", "our", "ours", "ourselves", "out", "over", "own", "same",
	"she", "should", "so", "some", "such", "than", "that", "the", "their", "theirs",
	"them", "themselves", "then", "there", "these", "they", "this", "those", "through",
	"to", "too", "under", "until", "up", "very", "was", "we", "were", "what", "when",
	"where", "which", "while", "who", "whom", "why", "will", "with", "would", "you",
	"your", "yours", "yourself", "yourselves",
}

// hanStopChars are common function characters that never start or end a
// useful bigram.
var hanStopChars = []rune{
	'的', '了', '是', '在', '和', '与', '及', '或', '也', '就', '都', '而',
	'着', '过', '把', '被', '让', '给', '对', '从', '向', '于', '之', '其',
	'我', '你', '他', '她', '它', '们', '这', '那', '哪', '吗', '呢', '吧',
	'啊', '呀', '么', '个', '些', '有', '没', '不', '很', '还', '又', '要',
}
